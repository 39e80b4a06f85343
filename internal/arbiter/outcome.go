package arbiter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Outcome is the reduced judgment: the objective was met, was failed, or
// the story keeps going.
type Outcome string

const (
	OutcomeWin      Outcome = "win"
	OutcomeFail     Outcome = "fail"
	OutcomeContinue Outcome = "continue"
)

// ParseOutcome folds the verdict vocabularies seen from arbiter models
// into the three canonical values. "advance" is the binary vocabulary's
// win.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "win", "won", "pass", "passed", "success", "succeed", "succeeded", "complete", "completed", "advance":
		return OutcomeWin, nil
	case "fail", "failure", "failed", "lose", "loss", "lost":
		return OutcomeFail, nil
	case "continue", "none", "wait", "pending", "ongoing", "not_yet", "undecided":
		return OutcomeContinue, nil
	default:
		return "", fmt.Errorf("invalid outcome: %q", s)
	}
}

// Decision is the structured portion of an oracle reply.
type Decision struct {
	Outcome    Outcome `json:"outcome"`
	Transition string  `json:"transition,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Verdict couples the raw oracle reply with whatever meaning was
// recovered from it. Parsed is nil when no stage of the parse chain
// produced a decision; Outcome is then OutcomeContinue.
type Verdict struct {
	Raw     string
	Parsed  *Decision
	Outcome Outcome
}

// Transition returns the oracle-suggested transition id, if any.
func (v Verdict) Transition() string {
	if v.Parsed == nil {
		return ""
	}
	return v.Parsed.Transition
}

// ParseVerdict recovers a decision from raw oracle text. The chain, in
// order: strip code fences, extract the widest brace-delimited block,
// tolerant JSON decode, crude keyword scan. Nothing recoverable resolves
// to continue.
func ParseVerdict(raw string) Verdict {
	v := Verdict{Raw: raw, Outcome: OutcomeContinue}
	cleaned := stripCodeFences(raw)
	if d, err := decodeDecisionJSON([]byte(extractJSON(cleaned))); err == nil {
		v.Parsed = d
		v.Outcome = d.Outcome
		return v
	}
	if o, ok := scanKeywords(cleaned); ok {
		v.Parsed = &Decision{Outcome: o}
		v.Outcome = o
		return v
	}
	return v
}

// decodeDecisionJSON accepts the canonical decision shape plus the legacy
// shapes older arbiter prompts produced.
//
// Canonical:
//
//	{"outcome":"win","transition":"gate.win.0","reason":"...","confidence":0.9}
//
// Legacy boolean shapes normalize advance/completed/decision into one
// outcome; true means win, false means continue. An explicit null or a
// missing verdict key is not a decision.
func decodeDecisionJSON(b []byte) (*Decision, error) {
	var canon struct {
		Outcome    string  `json:"outcome"`
		Transition string  `json:"transition"`
		Reason     string  `json:"reason"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(b, &canon); err == nil && canon.Outcome != "" {
		if o, perr := ParseOutcome(canon.Outcome); perr == nil {
			return &Decision{Outcome: o, Transition: canon.Transition, Reason: canon.Reason, Confidence: canon.Confidence}, nil
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	d := &Decision{}
	decided := false
	for _, key := range []string{"outcome", "result", "status", "verdict"} {
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if o, err := ParseOutcome(s); err == nil {
			d.Outcome = o
			decided = true
			break
		}
	}
	if !decided {
		for _, key := range []string{"advance", "completed", "complete", "decision", "objective_met"} {
			raw, ok := doc[key]
			if !ok || raw == nil {
				continue
			}
			bv, ok := boolValue(raw)
			if !ok {
				continue
			}
			if bv {
				d.Outcome = OutcomeWin
			} else {
				d.Outcome = OutcomeContinue
			}
			decided = true
			break
		}
	}
	if !decided {
		return nil, fmt.Errorf("no verdict key in decision object")
	}
	d.Transition = firstString(doc, "transition", "transition_id", "transitionId", "next_transition_id", "nextTransitionId", "next", "edge")
	d.Reason = firstString(doc, "reason", "why", "explanation", "notes")
	d.Confidence = firstNumber(doc, "confidence", "certainty")
	return d, nil
}

func boolValue(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "y":
			return true, true
		case "false", "no", "n":
			return false, true
		}
	}
	return false, false
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := doc[k].(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}

func firstNumber(doc map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch n := doc[k].(type) {
		case float64:
			return n
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimLeft(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}

func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return trimmed
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

// scanKeywords is the last parsing resort for replies that lost their
// JSON somewhere: quoted advance fragments first, then single-word
// verdict lines.
func scanKeywords(text string) (Outcome, bool) {
	lower := strings.ToLower(text)
	for _, frag := range []string{`"advance": true`, `"advance":true`, `advance: true`, `advance=true`} {
		if strings.Contains(lower, frag) {
			return OutcomeWin, true
		}
	}
	for _, frag := range []string{`"advance": false`, `"advance":false`, `advance: false`, `advance=false`} {
		if strings.Contains(lower, frag) {
			return OutcomeContinue, true
		}
	}
	for _, line := range strings.Split(lower, "\n") {
		switch strings.Trim(strings.TrimSpace(line), ".!") {
		case "yes", "advance", "win":
			return OutcomeWin, true
		case "no", "continue", "not yet":
			return OutcomeContinue, true
		case "fail", "failed":
			return OutcomeFail, true
		}
	}
	return "", false
}
