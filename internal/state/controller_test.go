package state

import (
	"context"
	"testing"

	"github.com/narrata/storyline/internal/story"
)

func harborStory() *story.Story {
	return &story.Story{
		Version: 1,
		Title:   "Escape from Crooked Harbor",
		Checkpoints: []story.Checkpoint{
			{ID: "gate", Name: "Leave the gate", Objective: "Get past the harbor gate."},
			{ID: "market", Name: "Cross the market", Objective: "Cross the night market unseen."},
			{ID: "ship", Name: "Board the ship", Objective: "Board the smuggler's ship."},
		},
	}
}

func TestController_Hydrate_AbsentYieldsFreshDefault(t *testing.T) {
	c := NewController(NewMemory(), harborStory())

	snap, rep := c.Hydrate(context.Background(), "chat-1")
	if !rep.Fresh || rep.Reason != "no stored session" {
		t.Fatalf("report: %+v", rep)
	}
	if snap.CheckpointIndex != 0 || snap.ActiveCheckpointKey != "gate" {
		t.Fatalf("snapshot: %+v", snap)
	}
	want := []string{StatusCurrent, StatusPending, StatusPending}
	for i, st := range want {
		if snap.Statuses[i] != st {
			t.Fatalf("statuses: got %v want %v", snap.Statuses, want)
		}
	}
	if snap.Turn != 0 || snap.TurnsSinceEval != 0 {
		t.Fatalf("counters should start at zero: %+v", snap)
	}
}

func TestController_Hydrate_ClampsOutOfRangeIndex(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)

	err := store.Save(context.Background(), Record{
		Ver:             RecordVer,
		StorySignature:  st.Signature(),
		ChatID:          "chat-1",
		CheckpointIndex: 7,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, rep := c.Hydrate(context.Background(), "chat-1")
	if rep.Fresh {
		t.Fatalf("expected resumed session, got fresh: %+v", rep)
	}
	if snap.CheckpointIndex != 2 {
		t.Fatalf("index: got %d want 2", snap.CheckpointIndex)
	}
	want := []string{StatusComplete, StatusComplete, StatusCurrent}
	for i, s := range want {
		if snap.Statuses[i] != s {
			t.Fatalf("statuses: got %v want %v", snap.Statuses, want)
		}
	}
}

func TestController_Hydrate_SignatureMismatchResets(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)

	err := store.Save(context.Background(), Record{
		Ver:             RecordVer,
		StorySignature:  "someone-else's story",
		ChatID:          "chat-1",
		CheckpointIndex: 2,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, rep := c.Hydrate(context.Background(), "chat-1")
	if !rep.Fresh || rep.Reason != "story changed since last session" {
		t.Fatalf("report: %+v", rep)
	}
	if snap.CheckpointIndex != 0 {
		t.Fatalf("index: got %d want 0", snap.CheckpointIndex)
	}
}

func TestController_Hydrate_ActiveKeyWinsOverIndex(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)

	err := store.Save(context.Background(), Record{
		Ver:                 RecordVer,
		StorySignature:      st.Signature(),
		ChatID:              "chat-1",
		CheckpointIndex:     0,
		ActiveCheckpointKey: "ship",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, rep := c.Hydrate(context.Background(), "chat-1")
	if rep.Fresh {
		t.Fatalf("expected resumed session: %+v", rep)
	}
	if snap.CheckpointIndex != 2 || snap.ActiveCheckpointKey != "ship" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestController_Hydrate_PreservesFailedStatusAndCounters(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)

	err := store.Save(context.Background(), Record{
		Ver:             RecordVer,
		StorySignature:  st.Signature(),
		ChatID:          "chat-1",
		CheckpointIndex: 1,
		Statuses:        []string{StatusFailed, StatusCurrent, StatusPending},
		Turn:            5,
		TurnsSinceEval:  1,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, rep := c.Hydrate(context.Background(), "chat-1")
	if rep.Fresh {
		t.Fatalf("expected resumed session: %+v", rep)
	}
	if snap.Statuses[0] != StatusFailed {
		t.Fatalf("failed status should survive hydration: %v", snap.Statuses)
	}
	if snap.Turn != 5 || snap.TurnsSinceEval != 1 {
		t.Fatalf("counters should survive hydration: %+v", snap)
	}
}

func TestController_Hydrate_SanitizesNegativeCounters(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)

	err := store.Save(context.Background(), Record{
		Ver:            RecordVer,
		StorySignature: st.Signature(),
		ChatID:         "chat-1",
		Turn:           -3,
		TurnsSinceEval: -1,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, _ := c.Hydrate(context.Background(), "chat-1")
	if snap.Turn != 0 || snap.TurnsSinceEval != 0 {
		t.Fatalf("counters should clamp to zero: %+v", snap)
	}
}

func TestController_Hydrate_DemotesSecondCurrentAboveActive(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)

	err := store.Save(context.Background(), Record{
		Ver:             RecordVer,
		StorySignature:  st.Signature(),
		ChatID:          "chat-1",
		CheckpointIndex: 0,
		Statuses:        []string{StatusCurrent, StatusCurrent, StatusPending},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, _ := c.Hydrate(context.Background(), "chat-1")
	want := []string{StatusCurrent, StatusPending, StatusPending}
	for i, s := range want {
		if snap.Statuses[i] != s {
			t.Fatalf("statuses: got %v want %v", snap.Statuses, want)
		}
	}
}

func TestController_PersistThenHydrateRoundTrip(t *testing.T) {
	st := harborStory()
	store := NewMemory()
	c := NewController(store, st)
	ctx := context.Background()

	in := Snapshot{
		CheckpointIndex:     1,
		ActiveCheckpointKey: "market",
		Statuses:            []string{StatusComplete, StatusCurrent, StatusPending},
		Turn:                12,
		TurnsSinceEval:      2,
	}
	if err := c.Persist(ctx, "chat-1", in); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	out, rep := c.Hydrate(ctx, "chat-1")
	if rep.Fresh {
		t.Fatalf("expected resumed session: %+v", rep)
	}
	if out.CheckpointIndex != in.CheckpointIndex || out.ActiveCheckpointKey != in.ActiveCheckpointKey {
		t.Fatalf("position mismatch: %+v", out)
	}
	if out.Turn != in.Turn || out.TurnsSinceEval != in.TurnsSinceEval {
		t.Fatalf("counters mismatch: %+v", out)
	}
}

func TestController_Persist_EmptyChatIDIsEphemeral(t *testing.T) {
	store := NewMemory()
	c := NewController(store, harborStory())

	if err := c.Persist(context.Background(), "  ", Snapshot{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	recs, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ephemeral session should not persist: %+v", recs)
	}
}

func TestController_NilStoreIsEphemeral(t *testing.T) {
	c := NewController(nil, harborStory())

	snap, rep := c.Hydrate(context.Background(), "chat-1")
	if !rep.Fresh || rep.Reason != "no state store" {
		t.Fatalf("report: %+v", rep)
	}
	if snap.CheckpointIndex != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if err := c.Persist(context.Background(), "chat-1", snap); err != nil {
		t.Fatalf("Persist: %v", err)
	}
}
