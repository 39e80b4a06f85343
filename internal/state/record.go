// Package state persists story runtime across chat sessions. Records are
// keyed by chat id and validated against a story signature on load, so a
// session resumes only when the story it saved under is still the story
// being played.
package state

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// RecordVer is the current record schema version. Records with any other
// version are treated as absent.
const RecordVer = 1

// Record is one persisted runtime snapshot.
type Record struct {
	Ver                 int       `msgpack:"ver" json:"ver"`
	StorySignature      string    `msgpack:"sig" json:"story_signature"`
	ChatID              string    `msgpack:"chat" json:"chat_id"`
	CheckpointIndex     int       `msgpack:"idx" json:"checkpoint_index"`
	ActiveCheckpointKey string    `msgpack:"key" json:"active_checkpoint_key"`
	Statuses            []string  `msgpack:"statuses" json:"statuses"`
	Turn                int       `msgpack:"turn" json:"turn"`
	TurnsSinceEval      int       `msgpack:"since" json:"turns_since_eval"`
	UpdatedAt           time.Time `msgpack:"at" json:"updated_at"`
}

// Encode serializes the record for storage.
func (r Record) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeRecord deserializes a stored record and checks its version.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode state record: %w", err)
	}
	if r.Ver != RecordVer {
		return Record{}, fmt.Errorf("state record ver %d, want %d", r.Ver, RecordVer)
	}
	return r, nil
}

// Status values stored per checkpoint.
const (
	StatusPending  = "pending"
	StatusCurrent  = "current"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusCurrent, StatusComplete, StatusFailed:
		return true
	}
	return false
}
