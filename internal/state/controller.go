package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/narrata/storyline/internal/story"
)

// Snapshot is the runtime slice of a record: the fields the engine owns
// and the controller moves to and from storage.
type Snapshot struct {
	CheckpointIndex     int
	ActiveCheckpointKey string
	Statuses            []string
	Turn                int
	TurnsSinceEval      int
}

// Report says where a hydrated snapshot came from. Fresh snapshots carry
// the reason the stored record was unusable; Err holds the underlying
// failure when there was one.
type Report struct {
	Fresh  bool
	Reason string
	Err    error
}

// Controller maps runtime state to and from a Store, guarded by the story
// signature so a record saved under an edited story is discarded rather
// than misapplied. A nil Store makes every session ephemeral.
type Controller struct {
	store Store
	story *story.Story
	sig   string
}

func NewController(store Store, st *story.Story) *Controller {
	return &Controller{store: store, story: st, sig: st.Signature()}
}

// Hydrate loads the session for chatID. Any unusable record, for any
// reason, yields the fresh default: first checkpoint current, the rest
// pending, zero turns. Hydration never fails the caller.
func (c *Controller) Hydrate(ctx context.Context, chatID string) (Snapshot, Report) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return c.fresh(), Report{Fresh: true, Reason: "no chat id"}
	}
	if c.store == nil {
		return c.fresh(), Report{Fresh: true, Reason: "no state store"}
	}
	rec, err := c.store.Load(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return c.fresh(), Report{Fresh: true, Reason: "no stored session"}
	}
	if err != nil {
		return c.fresh(), Report{Fresh: true, Reason: "unreadable stored session", Err: err}
	}
	if rec.StorySignature != c.sig {
		return c.fresh(), Report{Fresh: true, Reason: "story changed since last session"}
	}
	return c.reconcile(rec), Report{}
}

// OnContextChanged re-hydrates for a new chat context. An empty chat id
// means no qualifying session, which yields the fresh default.
func (c *Controller) OnContextChanged(ctx context.Context, chatID string) (Snapshot, Report) {
	return c.Hydrate(ctx, chatID)
}

// Persist saves the snapshot under chatID. Sessions without a chat id or
// without a store are ephemeral; persisting them is a no-op.
func (c *Controller) Persist(ctx context.Context, chatID string, snap Snapshot) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" || c.store == nil {
		return nil
	}
	return c.store.Save(ctx, Record{
		Ver:                 RecordVer,
		StorySignature:      c.sig,
		ChatID:              chatID,
		CheckpointIndex:     snap.CheckpointIndex,
		ActiveCheckpointKey: snap.ActiveCheckpointKey,
		Statuses:            append([]string(nil), snap.Statuses...),
		Turn:                snap.Turn,
		TurnsSinceEval:      snap.TurnsSinceEval,
		UpdatedAt:           time.Now().UTC(),
	})
}

func (c *Controller) fresh() Snapshot {
	n := len(c.story.Checkpoints)
	statuses := make([]string, n)
	for i := range statuses {
		statuses[i] = StatusPending
	}
	snap := Snapshot{Statuses: statuses}
	if n > 0 {
		statuses[0] = StatusCurrent
		snap.ActiveCheckpointKey = string(c.story.Checkpoints[0].ID)
	}
	return snap
}

// reconcile fits a stored record to the current story shape. The active
// checkpoint key wins over the stored index when it still resolves; the
// index is clamped into range either way. The status vector is rebuilt to
// the current checkpoint count: completed history below the active index,
// the active index forced current (failed survives), stored statuses above
// kept unless they would claim a second current.
func (c *Controller) reconcile(rec Record) Snapshot {
	n := len(c.story.Checkpoints)
	if n == 0 {
		return Snapshot{}
	}

	idx := rec.CheckpointIndex
	if key := strings.TrimSpace(rec.ActiveCheckpointKey); key != "" {
		if at, ok := c.story.CheckpointIndex(key); ok {
			idx = at
		}
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}

	statuses := make([]string, n)
	for i := range statuses {
		stored := ""
		if i < len(rec.Statuses) && validStatus(rec.Statuses[i]) {
			stored = rec.Statuses[i]
		}
		switch {
		case i == idx:
			if stored == StatusFailed {
				statuses[i] = StatusFailed
			} else {
				statuses[i] = StatusCurrent
			}
		case i < idx:
			if stored == StatusFailed {
				statuses[i] = StatusFailed
			} else {
				statuses[i] = StatusComplete
			}
		default:
			if stored == "" || stored == StatusCurrent {
				statuses[i] = StatusPending
			} else {
				statuses[i] = stored
			}
		}
	}

	turn := rec.Turn
	if turn < 0 {
		turn = 0
	}
	since := rec.TurnsSinceEval
	if since < 0 {
		since = 0
	}

	return Snapshot{
		CheckpointIndex:     idx,
		ActiveCheckpointKey: string(c.story.Checkpoints[idx].ID),
		Statuses:            statuses,
		Turn:                turn,
		TurnsSinceEval:      since,
	}
}
