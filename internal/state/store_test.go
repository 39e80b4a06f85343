package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testRecord(chatID string, idx int) Record {
	return Record{
		Ver:                 RecordVer,
		StorySignature:      "sig-1",
		ChatID:              chatID,
		CheckpointIndex:     idx,
		ActiveCheckpointKey: "gate",
		Statuses:            []string{StatusComplete, StatusCurrent, StatusPending},
		Turn:                9,
		TurnsSinceEval:      2,
		UpdatedAt:           time.Now().UTC(),
	}
}

func openTempSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_SaveLoadRoundTrip(t *testing.T) {
	s := openTempSQLite(t)
	ctx := context.Background()

	if err := s.Save(ctx, testRecord("chat-1", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CheckpointIndex != 1 || got.ActiveCheckpointKey != "gate" {
		t.Fatalf("record mismatch: %+v", got)
	}
	if len(got.Statuses) != 3 || got.Statuses[1] != StatusCurrent {
		t.Fatalf("statuses mismatch: %v", got.Statuses)
	}
	if got.Turn != 9 || got.TurnsSinceEval != 2 {
		t.Fatalf("counters mismatch: turn=%d since=%d", got.Turn, got.TurnsSinceEval)
	}
}

func TestSQLite_LoadMissingIsNotFound(t *testing.T) {
	s := openTempSQLite(t)

	_, err := s.Load(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_SaveOverwritesExisting(t *testing.T) {
	s := openTempSQLite(t)
	ctx := context.Background()

	if err := s.Save(ctx, testRecord("chat-1", 0)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, testRecord("chat-1", 2)); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	got, err := s.Load(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CheckpointIndex != 2 {
		t.Fatalf("index: got %d want 2", got.CheckpointIndex)
	}
}

func TestSQLite_DeleteRemovesRecord(t *testing.T) {
	s := openTempSQLite(t)
	ctx := context.Background()

	if err := s.Save(ctx, testRecord("chat-1", 0)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "chat-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLite_ListOrdersByChatID(t *testing.T) {
	s := openTempSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"chat-b", "chat-a"} {
		rec := testRecord(id, 0)
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].ChatID != "chat-a" || recs[1].ChatID != "chat-b" {
		t.Fatalf("list order: %+v", recs)
	}
}

func TestOpenSQLite_EmptyPathRejected(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestDecodeRecord_RejectsOtherVersions(t *testing.T) {
	rec := testRecord("chat-1", 0)
	rec.Ver = 99
	blob, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeRecord(blob); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestMemory_SaveLoadDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Load(ctx, "chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}
	if err := m.Save(ctx, testRecord("chat-1", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := m.Load(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CheckpointIndex != 1 {
		t.Fatalf("index: got %d want 1", got.CheckpointIndex)
	}
	if err := m.Delete(ctx, "chat-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Load(ctx, "chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemory_SaveCopiesStatuses(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := testRecord("chat-1", 1)
	if err := m.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec.Statuses[1] = StatusFailed

	got, err := m.Load(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Statuses[1] != StatusCurrent {
		t.Fatalf("stored statuses aliased caller slice: %v", got.Statuses)
	}
}

func TestMemory_ListSortsByChatID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"z", "a", "m"} {
		if err := m.Save(ctx, testRecord(id, 0)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	recs, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 || recs[0].ChatID != "a" || recs[2].ChatID != "z" {
		t.Fatalf("list order: %+v", recs)
	}
}
