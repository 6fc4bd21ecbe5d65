package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenwatch/backend/internal/session"
)

func countingParse(calls *int) ParseFunc {
	return func(path string) (session.Aggregate, error) {
		*calls++
		return session.Aggregate{TurnCount: 3, InputTokens: 42}, nil
	}
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMemoizesOnFingerprintMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "s.jsonl", "line one\n")

	calls := 0
	store := New(countingParse(&calls))

	agg1, _, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	agg2, _, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("expected exactly 1 parse for two reads of an unchanged file, got %d", calls)
	}
	if store.Parses() != 1 {
		t.Errorf("Parses() = %d, want 1", store.Parses())
	}
	if agg1 != agg2 {
		t.Error("memoized aggregate differs from original")
	}
}

func TestLoadReparsesOnSizeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "s.jsonl", "line one\n")

	calls := 0
	store := New(countingParse(&calls))

	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}

	// Any size change invalidates, however small.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("x")
	f.Close()

	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected re-parse after size change, got %d parses", calls)
	}
}

func TestLoadReparsesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "s.jsonl", "line one\n")

	calls := 0
	store := New(countingParse(&calls))

	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}

	// Same size, different mtime: still a mismatch.
	newTime := time.Now().Add(2 * time.Minute)
	if err := os.Chtimes(path, newTime, newTime); err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected re-parse after mtime change, got %d parses", calls)
	}
}

func TestInvalidateForcesReparse(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "s.jsonl", "line one\n")

	calls := 0
	store := New(countingParse(&calls))

	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}
	store.Invalidate(path)
	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("expected re-parse after invalidation, got %d parses", calls)
	}
}

func TestValid(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "s.jsonl", "line one\n")

	store := New(countingParse(new(int)))

	if store.Valid(path) {
		t.Error("unseen path should not be valid")
	}
	if _, _, err := store.Load(path); err != nil {
		t.Fatal(err)
	}
	if !store.Valid(path) {
		t.Error("unchanged path should be valid after Load")
	}

	newTime := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, newTime, newTime); err != nil {
		t.Fatal(err)
	}
	if store.Valid(path) {
		t.Error("entry must not be valid after any fingerprint change")
	}

	if store.Valid(filepath.Join(dir, "missing.jsonl")) {
		t.Error("missing file should not be valid")
	}
}

func TestPutSeedsEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "s.jsonl", "line one\n")

	calls := 0
	store := New(countingParse(&calls))

	fp, err := Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Put(path, fp, session.Aggregate{TurnCount: 9})

	agg, _, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("Load after Put with matching fingerprint should not parse, got %d", calls)
	}
	if agg.TurnCount != 9 {
		t.Errorf("aggregate = %+v, want the Put value", agg)
	}
}
