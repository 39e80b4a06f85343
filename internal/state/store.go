package state

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound indicates no record exists for the chat id.
var ErrNotFound = errors.New("state record not found")

// Store persists records keyed by chat id.
type Store interface {
	Load(ctx context.Context, chatID string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, chatID string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Memory is an in-process Store for tests and embedded hosts.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

func (m *Memory) Load(ctx context.Context, chatID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[chatID]
	if !ok || rec.Ver != RecordVer {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ChatID == "" {
		return errors.New("chat id is required")
	}
	rec.Ver = RecordVer
	rec.Statuses = append([]string(nil), rec.Statuses...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ChatID] = rec
	return nil
}

func (m *Memory) Delete(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, chatID)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
