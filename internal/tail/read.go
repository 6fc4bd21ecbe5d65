package tail

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/tokenwatch/backend/internal/session"
	"github.com/tokenwatch/backend/internal/usage"
)

// TokenUsage mirrors the usage object on assistant log records.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type logEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type messageBody struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Usage   *TokenUsage     `json:"usage"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Record is one parsed log line.
type Record struct {
	Time   time.Time
	Role   string
	Model  string
	Usage  *TokenUsage
	Prompt string // text content for user records
}

// ReadRecords reads complete JSONL lines from path starting at offset and
// returns the parsed records plus the byte offset of the last fully
// terminated line. A trailing line with no newline yet is left alone: the
// returned offset stops before it, so a write that lands mid-record is
// deferred to the next read rather than parsed corrupt. Malformed lines
// are skipped (their bytes are consumed) without aborting the batch.
func ReadRecords(path string, offset int64) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, err
		}
	}

	var records []Record
	reader := bufio.NewReader(f)
	parsed := offset // advances only past complete lines

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, offset, err
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line: leave it for the next read.
			break
		}

		if rec, ok := parseLine(line[:len(line)-1]); ok {
			records = append(records, rec)
		}
		parsed += int64(len(line))

		if err == io.EOF {
			break
		}
	}

	return records, parsed, nil
}

// parseLine parses one complete log line. Returns ok=false for lines that
// are not valid JSON records; unrecognized fields are ignored.
func parseLine(data []byte) (Record, bool) {
	var entry logEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Record{}, false
	}

	rec := Record{Role: entry.Type}
	if entry.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
			rec.Time = t
		}
	}

	if len(entry.Message) > 0 {
		var msg messageBody
		if err := json.Unmarshal(entry.Message, &msg); err == nil {
			if msg.Role != "" {
				rec.Role = msg.Role
			}
			rec.Model = msg.Model
			rec.Usage = msg.Usage
			if rec.Role == "user" {
				rec.Prompt = promptText(msg.Content)
			}
		}
	}

	return rec, true
}

// promptText extracts display text from a content field that is either a
// plain string or a block list.
func promptText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

// ParseFile parses an entire session file from byte 0 into an aggregate.
// Used as the parse cache's miss path and for initial session loads.
func ParseFile(path string) (session.Aggregate, error) {
	records, offset, err := ReadRecords(path, 0)
	if err != nil {
		return session.Aggregate{}, err
	}

	var agg session.Aggregate
	agg.Offset = offset
	for i := range records {
		applyToAggregate(&agg, &records[i])
	}
	return agg, nil
}

// applyToAggregate folds one record into an aggregate. Input, output, and
// cache-creation tokens accumulate; the cache-read value is a snapshot
// that replaces the previous one.
func applyToAggregate(agg *session.Aggregate, rec *Record) {
	if !rec.Time.IsZero() {
		if agg.FirstRecordAt.IsZero() {
			agg.FirstRecordAt = rec.Time
		}
		agg.LastRecordAt = rec.Time
	}
	if rec.Model != "" {
		agg.Model = rec.Model
	}

	switch rec.Role {
	case "assistant":
		agg.TurnCount++
	case "user":
		if rec.Prompt != "" {
			agg.LastPrompt = rec.Prompt
			agg.LastPromptAt = rec.Time
		}
	}

	if u := rec.Usage; u != nil {
		agg.InputTokens += u.InputTokens
		agg.OutputTokens += u.OutputTokens
		agg.CacheCreationTokens += u.CacheCreationInputTokens
		agg.CacheReadTokens = u.CacheReadInputTokens

		model := rec.Model
		if model == "" {
			model = agg.Model
		}
		agg.CostUSD += usage.CostFor(model, u.InputTokens, u.OutputTokens,
			u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
}
