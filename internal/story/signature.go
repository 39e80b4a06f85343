package story

import (
	"encoding/hex"
	"io"
	"strconv"

	"github.com/zeebo/blake3"
)

// Signature fingerprints the story identity: title, checkpoint count, and
// each checkpoint's id, name and objective in order. Persisted sessions
// carry this value; a mismatch on rehydration means the story changed
// underneath the session and the runtime state resets. Triggers,
// transitions and side effects stay out of the hash so tuning them does
// not orphan saved sessions. Unit separators keep shifted field content
// from hashing identically.
func (s *Story) Signature() string {
	h := blake3.New()
	_, _ = io.WriteString(h, s.Title)
	_, _ = io.WriteString(h, "\x1e")
	_, _ = io.WriteString(h, strconv.Itoa(len(s.Checkpoints)))
	for i := range s.Checkpoints {
		cp := &s.Checkpoints[i]
		_, _ = io.WriteString(h, "\x1e")
		_, _ = io.WriteString(h, string(cp.ID))
		_, _ = io.WriteString(h, "\x1f")
		_, _ = io.WriteString(h, cp.Name)
		_, _ = io.WriteString(h, "\x1f")
		_, _ = io.WriteString(h, cp.Objective)
	}
	return hex.EncodeToString(h.Sum(nil))
}
