package story

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalStory = `
title: The Bandit Road
roles:
  narrator: Narrator
  guard: Captain Elene
checkpoints:
  - id: gate
    name: Reach the Gate
    objective: The traveler reaches the city gate before dark.
    win_triggers:
      - open the gate
      - /Open Sesame/
    fail_triggers:
      - arrested
  - id: market
    name: Find the Fence
    objective: The traveler finds the fence in the night market.
transitions:
  - from: gate
    to: market
    outcome: win
  - id: caught
    from: gate
    to: gate
    outcome: fail
    label: thrown back outside
`

func writeStory(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write story: %v", err)
	}
	return path
}

func TestLoad_ValidStory(t *testing.T) {
	s, err := Load(writeStory(t, "bandit.yaml", minimalStory))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("version default: got %d want %d", s.Version, 1)
	}
	if s.DefaultEvalInterval != DefaultEvalInterval {
		t.Fatalf("interval default: got %d want %d", s.DefaultEvalInterval, DefaultEvalInterval)
	}
	if len(s.Checkpoints) != 2 {
		t.Fatalf("checkpoints: got %d want %d", len(s.Checkpoints), 2)
	}
	gate := &s.Checkpoints[0]
	if len(gate.WinMatchers()) != 2 || len(gate.FailMatchers()) != 1 {
		t.Fatalf("compiled matchers: got %d win %d fail", len(gate.WinMatchers()), len(gate.FailMatchers()))
	}
	if s.Transitions[0].ID != "gate.win.0" {
		t.Fatalf("transition default id: got %q want %q", s.Transitions[0].ID, "gate.win.0")
	}
	if s.Transitions[1].ID != "caught" {
		t.Fatalf("explicit transition id: got %q want %q", s.Transitions[1].ID, "caught")
	}
}

func TestDecode_UnknownKeyRejected(t *testing.T) {
	doc := strings.Replace(minimalStory, "title:", "chapters: 3\ntitle:", 1)
	if _, err := Decode([]byte(doc), ".yaml"); err == nil {
		t.Fatalf("expected unknown key to fail the strict decode")
	}
}

func TestDecode_MissingObjective_ShapeError(t *testing.T) {
	doc := `
title: Broken
checkpoints:
  - id: a
    name: First
`
	_, err := Decode([]byte(doc), ".yaml")
	if err == nil {
		t.Fatalf("expected shape error for missing objective")
	}
	if !strings.Contains(err.Error(), "story shape") {
		t.Fatalf("expected schema-stage error, got: %v", err)
	}
}

func TestDecode_BadTriggerAbortsLoad(t *testing.T) {
	doc := `
title: Broken
checkpoints:
  - id: a
    name: First
    objective: Something.
    win_triggers:
      - "(["
`
	if _, err := Decode([]byte(doc), ".yaml"); err == nil {
		t.Fatalf("expected invalid trigger pattern to abort the load")
	}
}

func TestDecode_TransitionUnknownEndpoint(t *testing.T) {
	doc := `
title: Broken
checkpoints:
  - id: a
    name: First
    objective: Something.
transitions:
  - {from: a, to: nowhere, outcome: win}
`
	_, err := Decode([]byte(doc), ".yaml")
	if err == nil || !strings.Contains(err.Error(), "unknown to checkpoint") {
		t.Fatalf("expected unknown endpoint error, got: %v", err)
	}
}

func TestDecode_DuplicateCheckpointID(t *testing.T) {
	doc := `
title: Broken
checkpoints:
  - {id: a, name: First, objective: Something.}
  - {id: a, name: Second, objective: Something else.}
`
	_, err := Decode([]byte(doc), ".yaml")
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got: %v", err)
	}
}

func TestDecode_NumericIDsNormalized(t *testing.T) {
	doc := `
title: Numbered
checkpoints:
  - {id: 1, name: First, objective: Something.}
  - {id: 2, name: Second, objective: Something else.}
transitions:
  - {from: 1, to: 2, outcome: win}
`
	s, err := Decode([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Checkpoints[0].ID != "1" {
		t.Fatalf("numeric id: got %q want %q", s.Checkpoints[0].ID, "1")
	}
	if s.Transitions[0].From != "1" || s.Transitions[0].To != "2" {
		t.Fatalf("transition endpoints: got %+v", s.Transitions[0])
	}
}

func TestDecode_FailuresWrapErrInvalid(t *testing.T) {
	docs := map[string]string{
		"syntax":    "title: [unclosed",
		"shape":     "title: Broken\n",
		"reference": "title: Broken\ncheckpoints:\n  - {id: a, name: A, objective: O.}\ntransitions:\n  - {from: a, to: b, outcome: win}\n",
	}
	for name, doc := range docs {
		if _, err := Decode([]byte(doc), ".yaml"); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoad_JSONStory(t *testing.T) {
	doc := `{
  "title": "Numbered",
  "checkpoints": [
    {
      "id": 1,
      "name": "First",
      "objective": "Something.",
      "win_triggers": ["dragon", {"pattern": "Halt", "flags": ""}]
    },
    {"id": 2, "name": "Second", "objective": "Something else."}
  ],
  "transitions": [
    {"from": 1, "to": 2, "outcome": "win"}
  ]
}`
	s, err := Load(writeStory(t, "numbered.json", doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Checkpoints[0].ID != "1" {
		t.Fatalf("numeric json id: got %q want %q", s.Checkpoints[0].ID, "1")
	}
	if s.Transitions[0].ID != "1.win.0" {
		t.Fatalf("transition default id: got %q", s.Transitions[0].ID)
	}
	ms := s.Checkpoints[0].WinMatchers()
	if len(ms) != 2 {
		t.Fatalf("win matchers: got %d want %d", len(ms), 2)
	}
	if !ms[0].MatchString("a DRAGON appears") {
		t.Fatalf("bare json trigger should default to case-insensitive")
	}
	if ms[1].MatchString("halt") {
		t.Fatalf("explicit empty flags should stay case-sensitive")
	}
}

func TestDecode_InvalidOutcome(t *testing.T) {
	doc := `
title: Broken
checkpoints:
  - {id: a, name: First, objective: Something.}
  - {id: b, name: Second, objective: Something else.}
transitions:
  - {from: a, to: b, outcome: draw}
`
	if _, err := Decode([]byte(doc), ".yaml"); err == nil {
		t.Fatalf("expected invalid outcome to be rejected")
	}
}

func TestTransitionsFrom_DeclarationOrder(t *testing.T) {
	doc := `
title: Branching
checkpoints:
  - {id: a, name: First, objective: Something.}
  - {id: b, name: Second, objective: Something else.}
  - {id: c, name: Third, objective: A third thing.}
transitions:
  - {id: late, from: a, to: c, outcome: win}
  - {id: early, from: a, to: b, outcome: win}
  - {id: down, from: a, to: a, outcome: fail}
`
	s, err := Decode([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wins := s.TransitionsFrom("a", OutcomeWin)
	if len(wins) != 2 {
		t.Fatalf("win transitions: got %d want %d", len(wins), 2)
	}
	if wins[0].ID != "late" || wins[1].ID != "early" {
		t.Fatalf("declaration order not preserved: got %q then %q", wins[0].ID, wins[1].ID)
	}
	fails := s.TransitionsFrom("a", OutcomeFail)
	if len(fails) != 1 || fails[0].ID != "down" {
		t.Fatalf("fail transitions: got %+v", fails)
	}
}
