package ws

import (
	"github.com/tokenwatch/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgCompact  MessageType = "compact"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []session.Snapshot `json:"sessions"`
}

type DeltaPayload struct {
	Updates []session.Snapshot `json:"updates"`
	Removed []string           `json:"removed,omitempty"`
}

type CompactPayload struct {
	SessionID string `json:"sessionId"`
}
