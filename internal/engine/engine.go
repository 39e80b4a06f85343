// Package engine is the checkpoint state machine. It tracks the active
// checkpoint of one chat session, watches user text for trigger hits,
// schedules arbiter evaluations, applies verdicts to the story graph,
// and keeps the session durable through the state controller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/narrata/storyline/internal/arbiter"
	"github.com/narrata/storyline/internal/state"
	"github.com/narrata/storyline/internal/story"
	"github.com/narrata/storyline/internal/trigger"
)

// Status of one checkpoint in the running session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusCurrent  Status = "current"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// RuntimeState is the mutable position of one session. Exactly one
// checkpoint is current (or failed, when the active checkpoint lost and
// no fail edge moved the story).
type RuntimeState struct {
	CheckpointIndex     int      `json:"checkpoint_index"`
	ActiveCheckpointKey string   `json:"active_checkpoint_key"`
	Turn                int      `json:"turn"`
	TurnsSinceEval      int      `json:"turns_since_eval"`
	Statuses            []Status `json:"statuses"`
	Finished            bool     `json:"finished"`
}

// ErrClosed rejects operations on a closed engine.
var ErrClosed = errors.New("engine: closed")

const defaultExcerptLines = 8

// Options configure an Engine. Story is required; everything else is
// optional. A nil Client still runs: every evaluation resolves to
// continue with an arbiter_error event.
type Options struct {
	Story  *story.Story
	ChatID string

	// Client is the judgment oracle transport.
	Client arbiter.Client

	// Effects receives checkpoint activation side effects.
	Effects Effects

	// States persists the session. Nil makes the session ephemeral.
	States *state.Controller

	// Progress receives structured engine events.
	Progress func(map[string]any)

	// EvalInterval overrides the story's default evaluation interval.
	EvalInterval int

	// ExcerptLines bounds the conversation window shown to the arbiter.
	ExcerptLines int

	// EvalResetOnResolve resets the since-eval counter when a verdict
	// lands rather than when the evaluation is enqueued.
	EvalResetOnResolve bool

	// IdleEvalEvery enqueues a timed evaluation when no evaluation has
	// been requested for this long. Zero disables the ticker.
	IdleEvalEvery time.Duration
}

// Engine drives one story session.
type Engine struct {
	story          *story.Story
	interval       int
	excerptLines   int
	resetOnResolve bool
	idleEvery      time.Duration
	effects        Effects
	states         *state.Controller

	queue *arbiter.Queue

	mu          sync.Mutex
	chatID      string
	st          RuntimeState
	epoch       int
	win         []*trigger.Matcher
	fail        []*trigger.Matcher
	recent      []arbiter.Line
	lastEnqueue time.Time
	idleStop    chan struct{}
	closed      bool

	warningsMu sync.Mutex
	warnings   []string

	progressMu   sync.Mutex
	progressSink func(map[string]any)
}

// New builds an engine for the story. The story's triggers are compiled
// here, so a broken pattern aborts before anything activates.
func New(opts Options) (*Engine, error) {
	if opts.Story == nil {
		return nil, fmt.Errorf("engine: story is required")
	}
	if len(opts.Story.Checkpoints) == 0 {
		return nil, fmt.Errorf("engine: story has no checkpoints")
	}
	if err := opts.Story.Compile(); err != nil {
		return nil, err
	}

	interval := opts.EvalInterval
	if interval <= 0 {
		interval = opts.Story.DefaultEvalInterval
	}
	if interval <= 0 {
		interval = story.DefaultEvalInterval
	}
	excerpt := opts.ExcerptLines
	if excerpt <= 0 {
		excerpt = defaultExcerptLines
	}
	states := opts.States
	if states == nil {
		states = state.NewController(nil, opts.Story)
	}

	e := &Engine{
		story:          opts.Story,
		chatID:         opts.ChatID,
		interval:       interval,
		excerptLines:   excerpt,
		resetOnResolve: opts.EvalResetOnResolve,
		idleEvery:      opts.IdleEvalEvery,
		effects:        opts.Effects,
		states:         states,
		progressSink:   opts.Progress,
	}
	e.queue = arbiter.NewQueue(opts.Client, arbiter.QueueOptions{
		Observer: e.onVerdict,
		Sink:     e.appendProgress,
	})
	return e, nil
}

// Start hydrates the session (stored record or fresh default) and
// activates the resulting checkpoint. Call once before HandleUserText.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.rehydrate(ctx); err != nil {
		return err
	}
	e.startIdleTicker()
	return nil
}

func (e *Engine) rehydrate(ctx context.Context) error {
	e.mu.Lock()
	chatID := e.chatID
	e.mu.Unlock()

	snap, rep := e.states.Hydrate(ctx, chatID)
	if rep.Fresh {
		ev := map[string]any{
			"event":   "session_reset",
			"chat_id": chatID,
			"reason":  rep.Reason,
		}
		if rep.Err != nil {
			ev["error"] = rep.Err.Error()
		}
		e.appendProgress(ev)
	} else {
		e.appendProgress(map[string]any{
			"event":            "session_resumed",
			"chat_id":          chatID,
			"checkpoint_index": snap.CheckpointIndex,
			"turn":             snap.Turn,
		})
	}

	e.mu.Lock()
	e.st = runtimeFromSnapshot(snap)
	e.mu.Unlock()
	return e.activate(ctx, snap.CheckpointIndex, activateOptions{hydrating: true})
}

// OnContextChanged switches to a new chat context: the conversation
// window clears and runtime state rehydrates under the new chat id (or
// resets to the fresh default when the id is empty).
func (e *Engine) OnContextChanged(ctx context.Context, chatID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.chatID = chatID
	e.recent = nil
	e.st.Finished = false
	e.mu.Unlock()
	return e.rehydrate(ctx)
}

type activateOptions struct {
	// hydrating preserves the since-eval counter and a stored failed
	// status at the active index.
	hydrating bool

	// afterFailure keeps a just-recorded failed status at the target
	// index, so a fail edge looping back to its own checkpoint does not
	// erase the loss.
	afterFailure bool
}

// ActivateIndex jumps the session to checkpoint i. The index is clamped
// into range. This is the editor/debug surface; normal movement comes
// from resolved verdicts.
func (e *Engine) ActivateIndex(ctx context.Context, i int) error {
	return e.activate(ctx, i, activateOptions{})
}

func (e *Engine) activate(ctx context.Context, i int, opts activateOptions) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	n := len(e.story.Checkpoints)
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	keepFailed := (opts.hydrating || opts.afterFailure) && i < len(e.st.Statuses) && e.st.Statuses[i] == StatusFailed
	e.st.Statuses = recomputeStatuses(e.st.Statuses, i, n, keepFailed)
	e.st.CheckpointIndex = i
	cp := &e.story.Checkpoints[i]
	e.st.ActiveCheckpointKey = string(cp.ID)
	e.st.Finished = false
	if !opts.hydrating {
		e.st.TurnsSinceEval = 0
	}
	e.win = cp.WinMatchers()
	e.fail = cp.FailMatchers()
	e.epoch++
	epoch := e.epoch
	e.mu.Unlock()

	// Judgments queued against the previous checkpoint are void now.
	e.queue.Clear()

	e.appendProgress(map[string]any{
		"event":           "checkpoint_activated",
		"checkpoint_id":   string(cp.ID),
		"checkpoint_name": cp.Name,
		"index":           i,
		"epoch":           epoch,
	})
	e.dispatchOnActivate(ctx, cp)
	e.persist(ctx)
	return nil
}

// recomputeStatuses rebuilds the status vector for an activation at
// index i. History below stays complete (recorded failures survive);
// the active index becomes current unless keepFailed holds a recorded
// loss there; indices above keep a recorded status unless it would
// claim a second current.
func recomputeStatuses(prior []Status, i, n int, keepFailed bool) []Status {
	out := make([]Status, n)
	for j := range out {
		var was Status
		if j < len(prior) {
			was = prior[j]
		}
		switch {
		case j == i:
			if keepFailed && was == StatusFailed {
				out[j] = StatusFailed
			} else {
				out[j] = StatusCurrent
			}
		case j < i:
			if was == StatusFailed {
				out[j] = StatusFailed
			} else {
				out[j] = StatusComplete
			}
		default:
			if was == "" || was == StatusCurrent {
				out[j] = StatusPending
			} else {
				out[j] = was
			}
		}
	}
	return out
}

// HandleUserText feeds one user message into the session: the turn
// counters advance, the text lands in the conversation window, and at
// most one evaluation is enqueued. A trigger hit preempts the interval
// check; fail triggers are tested before win triggers.
func (e *Engine) HandleUserText(ctx context.Context, text string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.st.Statuses) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("engine: not started")
	}
	e.st.Turn++
	e.st.TurnsSinceEval++
	e.pushLineLocked(e.roleNameLocked("user"), text)

	if e.st.Finished {
		e.mu.Unlock()
		e.persist(ctx)
		return nil
	}

	var req arbiter.Request
	enqueue := false
	if res := trigger.Match(text, e.win, e.fail); res != nil {
		req = e.buildRequestLocked(arbiter.ReasonTrigger, res.Pattern, text)
		enqueue = true
	} else if e.st.TurnsSinceEval >= e.interval {
		req = e.buildRequestLocked(arbiter.ReasonInterval, "", text)
		enqueue = true
	}
	if enqueue && !e.resetOnResolve {
		e.st.TurnsSinceEval = 0
	}
	e.mu.Unlock()

	if enqueue {
		if err := e.queue.Evaluate(req); err != nil {
			e.Warn(fmt.Sprintf("enqueue evaluation: %v", err))
		}
	}
	e.persist(ctx)
	return nil
}

// ObserveAssistantText records a model reply into the conversation
// window shown to the arbiter. Replies never trigger evaluations; only
// user turns do.
func (e *Engine) ObserveAssistantText(role, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pushLineLocked(e.roleNameLocked(role), text)
}

// RequestEvaluation enqueues a manual evaluation of the active
// checkpoint, regardless of triggers and intervals.
func (e *Engine) RequestEvaluation(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.st.Statuses) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("engine: not started")
	}
	if e.st.Finished {
		e.mu.Unlock()
		return nil
	}
	req := e.buildRequestLocked(arbiter.ReasonManual, "", "")
	if !e.resetOnResolve {
		e.st.TurnsSinceEval = 0
	}
	e.mu.Unlock()
	return e.queue.Evaluate(req)
}

func (e *Engine) buildRequestLocked(reason arbiter.Reason, pattern, text string) arbiter.Request {
	cp := &e.story.Checkpoints[e.st.CheckpointIndex]
	e.lastEnqueue = time.Now()
	return arbiter.Request{
		Epoch:          e.epoch,
		CheckpointID:   string(cp.ID),
		CheckpointName: cp.Name,
		Objective:      cp.Objective,
		Reason:         reason,
		MatchedPattern: pattern,
		UserText:       text,
		Turn:           e.st.Turn,
		Interval:       e.interval,
		Candidates:     e.candidatesLocked(string(cp.ID)),
		Excerpt:        e.excerptLocked(),
	}
}

// onVerdict applies one resolved judgment. It runs on the queue's drain
// goroutine; verdicts from a previous activation epoch are dropped.
func (e *Engine) onVerdict(req arbiter.Request, v arbiter.Verdict) {
	ctx := context.Background()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if req.Epoch != e.epoch {
		e.mu.Unlock()
		e.appendProgress(map[string]any{
			"event":         "verdict_stale",
			"request_id":    req.ID,
			"checkpoint_id": req.CheckpointID,
		})
		return
	}
	if e.resetOnResolve {
		e.st.TurnsSinceEval = 0
	}

	reason := ""
	if v.Parsed != nil {
		reason = v.Parsed.Reason
	}

	switch v.Outcome {
	case arbiter.OutcomeWin:
		e.st.Statuses[e.st.CheckpointIndex] = StatusComplete
		cpID := e.st.ActiveCheckpointKey
		e.mu.Unlock()
		e.applyMove(ctx, req, cpID, story.OutcomeWin, v.Transition(), reason)

	case arbiter.OutcomeFail:
		e.st.Statuses[e.st.CheckpointIndex] = StatusFailed
		cpID := e.st.ActiveCheckpointKey
		e.mu.Unlock()
		e.applyMove(ctx, req, cpID, story.OutcomeFail, v.Transition(), reason)

	default:
		e.mu.Unlock()
		e.appendProgress(map[string]any{
			"event":         "checkpoint_continue",
			"checkpoint_id": req.CheckpointID,
			"request_id":    req.ID,
			"reason":        reason,
		})
		e.persist(ctx)
	}
}

// applyMove resolves the outcome's edge and moves the session along it.
// A win with no edge finishes the story; a fail with no edge stays put
// with the loss recorded, and evaluation keeps running.
func (e *Engine) applyMove(ctx context.Context, req arbiter.Request, cpID string, outcome story.Outcome, suggested, reason string) {
	t, fellBack, ok := e.resolveTransition(cpID, outcome, suggested)
	if fellBack {
		e.appendProgress(map[string]any{
			"event":         "transition_fallback",
			"checkpoint_id": cpID,
			"outcome":       string(outcome),
			"suggested":     suggested,
			"transition_id": string(t.ID),
		})
	}

	if outcome == story.OutcomeWin {
		if !ok {
			e.mu.Lock()
			e.st.Finished = true
			e.mu.Unlock()
			e.appendProgress(map[string]any{
				"event":         "story_complete",
				"checkpoint_id": cpID,
				"request_id":    req.ID,
				"reason":        reason,
			})
			e.persist(ctx)
			return
		}
		e.appendProgress(map[string]any{
			"event":         "checkpoint_won",
			"checkpoint_id": cpID,
			"transition_id": string(t.ID),
			"to":            string(t.To),
			"request_id":    req.ID,
			"reason":        reason,
		})
	} else {
		ev := map[string]any{
			"event":         "checkpoint_failed",
			"checkpoint_id": cpID,
			"moved":         ok,
			"request_id":    req.ID,
			"reason":        reason,
		}
		if ok {
			ev["transition_id"] = string(t.ID)
			ev["to"] = string(t.To)
		}
		e.appendProgress(ev)
		if !ok {
			e.persist(ctx)
			return
		}
	}

	target, found := e.story.CheckpointIndex(string(t.To))
	if !found {
		// Load validation makes this unreachable; record it if it happens.
		e.Warn(fmt.Sprintf("transition %s names unknown checkpoint %s", t.ID, t.To))
		e.persist(ctx)
		return
	}
	_ = e.activate(ctx, target, activateOptions{afterFailure: outcome == story.OutcomeFail})
}

func (e *Engine) startIdleTicker() {
	if e.idleEvery <= 0 {
		return
	}
	stop := make(chan struct{})
	e.mu.Lock()
	if e.closed || e.idleStop != nil {
		e.mu.Unlock()
		return
	}
	e.idleStop = stop
	e.lastEnqueue = time.Now()
	e.mu.Unlock()

	go func() {
		t := time.NewTicker(e.idleEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				e.maybeIdleEval()
			}
		}
	}()
}

func (e *Engine) maybeIdleEval() {
	e.mu.Lock()
	if e.closed || e.st.Finished || len(e.st.Statuses) == 0 || time.Since(e.lastEnqueue) < e.idleEvery {
		e.mu.Unlock()
		return
	}
	req := e.buildRequestLocked(arbiter.ReasonTimed, "", "")
	if !e.resetOnResolve {
		e.st.TurnsSinceEval = 0
	}
	e.mu.Unlock()

	if err := e.queue.Evaluate(req); err != nil && !errors.Is(err, arbiter.ErrQueueClosed) {
		e.Warn(fmt.Sprintf("timed evaluation: %v", err))
	}
}

// State returns a copy of the runtime position.
func (e *Engine) State() RuntimeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st
	st.Statuses = append([]Status(nil), e.st.Statuses...)
	return st
}

// ActiveCheckpoint returns the checkpoint the session is playing.
func (e *Engine) ActiveCheckpoint() *story.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &e.story.Checkpoints[e.st.CheckpointIndex]
}

// Warn records a non-fatal problem and emits it as a progress event.
func (e *Engine) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
	e.appendProgress(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

// Warnings returns a copy of the accumulated warnings.
func (e *Engine) Warnings() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string(nil), e.warnings...)
}

func (e *Engine) appendProgress(ev map[string]any) {
	if ev == nil {
		return
	}
	e.progressMu.Lock()
	sink := e.progressSink
	e.progressMu.Unlock()
	if sink == nil {
		return
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	sink(ev)
}

func (e *Engine) persist(ctx context.Context) {
	e.mu.Lock()
	snap := state.Snapshot{
		CheckpointIndex:     e.st.CheckpointIndex,
		ActiveCheckpointKey: e.st.ActiveCheckpointKey,
		Statuses:            statusStrings(e.st.Statuses),
		Turn:                e.st.Turn,
		TurnsSinceEval:      e.st.TurnsSinceEval,
	}
	chatID := e.chatID
	e.mu.Unlock()

	if err := e.states.Persist(ctx, chatID, snap); err != nil {
		e.Warn(fmt.Sprintf("persist session: %v", err))
	}
}

// Close persists the final position and stops the queue and ticker.
// Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	stop := e.idleStop
	e.idleStop = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	e.persist(context.Background())
	e.queue.Close()
}

func (e *Engine) pushLineLocked(role, text string) {
	e.recent = append(e.recent, arbiter.Line{Role: role, Text: text})
	if len(e.recent) > e.excerptLines {
		e.recent = append([]arbiter.Line(nil), e.recent[len(e.recent)-e.excerptLines:]...)
	}
}

func (e *Engine) excerptLocked() []arbiter.Line {
	return append([]arbiter.Line(nil), e.recent...)
}

func (e *Engine) roleNameLocked(role string) string {
	if name, ok := e.story.Roles[role]; ok && strings.TrimSpace(name) != "" {
		return name
	}
	return role
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func runtimeFromSnapshot(snap state.Snapshot) RuntimeState {
	statuses := make([]Status, len(snap.Statuses))
	for i, s := range snap.Statuses {
		statuses[i] = Status(s)
	}
	return RuntimeState{
		CheckpointIndex:     snap.CheckpointIndex,
		ActiveCheckpointKey: snap.ActiveCheckpointKey,
		Turn:                snap.Turn,
		TurnsSinceEval:      snap.TurnsSinceEval,
		Statuses:            statuses,
	}
}
