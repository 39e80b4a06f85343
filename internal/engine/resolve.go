package engine

import (
	"strings"

	"github.com/narrata/storyline/internal/arbiter"
	"github.com/narrata/storyline/internal/story"
)

// resolveTransition picks the concrete edge for an outcome at the given
// checkpoint. The oracle-named id wins when it is among the candidates;
// otherwise a sole candidate is unambiguous; otherwise the first edge in
// definition order is used and fellBack reports the tie-break. No
// candidates yields ok=false and the engine stays put.
func (e *Engine) resolveTransition(cpID string, outcome story.Outcome, suggested string) (t story.Transition, fellBack, ok bool) {
	cands := e.story.TransitionsFrom(cpID, outcome)
	if len(cands) == 0 {
		return story.Transition{}, false, false
	}
	if s := strings.TrimSpace(suggested); s != "" {
		for _, c := range cands {
			if string(c.ID) == s {
				return c, false, true
			}
		}
	}
	if len(cands) == 1 {
		return cands[0], false, true
	}
	return cands[0], true, true
}

// candidatesLocked lists every outgoing edge of the checkpoint in
// definition order, formatted for the oracle prompt. Callers hold e.mu.
func (e *Engine) candidatesLocked(cpID string) []arbiter.Candidate {
	var out []arbiter.Candidate
	for _, t := range e.story.Transitions {
		if string(t.From) != cpID {
			continue
		}
		target := string(t.To)
		if cp, ok := e.story.Checkpoint(string(t.To)); ok {
			target = cp.Name
		}
		out = append(out, arbiter.Candidate{
			TransitionID: string(t.ID),
			Outcome:      string(t.Outcome),
			Label:        t.Label,
			TargetName:   target,
		})
	}
	return out
}
