// Package arbiter serializes judgment calls to an external oracle and
// turns its replies into win/fail/continue outcomes. The queue is strictly
// FIFO with at most one call in flight; a win flushes everything queued
// behind it, because those requests describe a checkpoint the story is
// about to leave.
package arbiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Client is the transport to the judgment oracle. Implementations must
// honor ctx cancellation; the queue enforces no timeout of its own, so a
// hung client only slows the drain.
type Client interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// ClientFunc adapts a plain function to the Client interface.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

func (f ClientFunc) Judge(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Reason says why an evaluation was requested.
type Reason string

const (
	ReasonTrigger  Reason = "trigger"
	ReasonTimed    Reason = "timed"
	ReasonInterval Reason = "interval"
	ReasonManual   Reason = "manual"
)

// Line is one transcript line shown to the oracle.
type Line struct {
	Role string
	Text string
}

// Candidate is one outgoing transition the oracle may name.
type Candidate struct {
	TransitionID string
	Outcome      string
	Label        string
	TargetName   string
}

// Request is one evaluation job. Epoch is the activation generation that
// produced it; observers drop verdicts whose epoch is no longer current.
type Request struct {
	ID             string
	Epoch          int
	CheckpointID   string
	CheckpointName string
	Objective      string
	Reason         Reason
	MatchedPattern string
	UserText       string
	Turn           int
	Interval       int
	Candidates     []Candidate
	Excerpt        []Line
}

// ErrQueueClosed rejects work submitted after Close.
var ErrQueueClosed = errors.New("arbiter: queue closed")

// Queue serializes oracle calls for one story session.
type Queue struct {
	client   Client
	observer func(Request, Verdict)
	sink     func(map[string]any)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []Request
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// QueueOptions configures a Queue. Observer runs on the drain goroutine
// after each resolution. Sink receives progress events.
type QueueOptions struct {
	Observer func(Request, Verdict)
	Sink     func(map[string]any)
}

// NewQueue starts the drain goroutine. Callers own the queue's lifetime
// and must Close it when the session ends.
func NewQueue(client Client, opts QueueOptions) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:   client,
		observer: opts.Observer,
		sink:     opts.Sink,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.drain()
	return q
}

// Evaluate enqueues a request. The request id is assigned when empty.
func (q *Queue) Evaluate(req Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	q.pending = append(q.pending, req)
	depth := len(q.pending)
	q.mu.Unlock()
	q.emit(map[string]any{
		"event":         "eval_enqueued",
		"request_id":    req.ID,
		"reason":        string(req.Reason),
		"checkpoint_id": req.CheckpointID,
		"queue_depth":   depth,
	})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Clear drops every request that has not started judging and reports how
// many were dropped. The in-flight call, if any, still resolves.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	if n > 0 {
		q.emit(map[string]any{"event": "eval_queue_cleared", "dropped": n})
	}
	return n
}

// Close rejects further work, drops pending requests and abandons the
// in-flight call. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.cancel()
}

func (q *Queue) drain() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if q.closed || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			req := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			verdict := q.judge(req)

			q.mu.Lock()
			closed := q.closed
			var dropped int
			if !closed && verdict.Outcome == OutcomeWin && len(q.pending) > 0 {
				dropped = len(q.pending)
				q.pending = nil
			}
			q.mu.Unlock()
			if closed {
				return
			}
			if dropped > 0 {
				q.emit(map[string]any{"event": "eval_queue_flushed", "request_id": req.ID, "dropped": dropped})
			}
			if q.observer != nil {
				q.observer(req, verdict)
			}
		}
	}
}

// judge runs one oracle call. Transport and format trouble both resolve
// to continue; neither ever escapes the queue.
func (q *Queue) judge(req Request) Verdict {
	if q.client == nil {
		q.emit(map[string]any{"event": "arbiter_error", "request_id": req.ID, "error": "no client configured"})
		return Verdict{Outcome: OutcomeContinue}
	}
	raw, err := q.client.Judge(q.ctx, BuildPrompt(req))
	if err != nil {
		q.emit(map[string]any{"event": "arbiter_error", "request_id": req.ID, "error": err.Error()})
		return Verdict{Outcome: OutcomeContinue}
	}
	v := ParseVerdict(raw)
	ev := map[string]any{
		"event":      "arbiter_verdict",
		"request_id": req.ID,
		"outcome":    string(v.Outcome),
		"parsed":     v.Parsed != nil,
	}
	if t := v.Transition(); t != "" {
		ev["transition"] = t
	}
	q.emit(ev)
	return v
}

func (q *Queue) emit(ev map[string]any) {
	if q.sink == nil {
		return
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	q.sink(ev)
}
