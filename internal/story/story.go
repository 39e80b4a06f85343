// Package story defines the checkpoint story document: an ordered list of
// checkpoints joined by outcome-tagged transitions, with per-checkpoint
// trigger patterns and activation side effects. Stories load from YAML or
// JSON files; every definition problem is surfaced at load time so a story
// that loads is a story that runs.
package story

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/narrata/storyline/internal/trigger"
)

// Ident is a checkpoint or transition identifier. Authors may write ids
// as bare numbers; decoding keeps the written form as a string, so
// `id: 3` and `id: "3"` name the same checkpoint.
type Ident string

// UnmarshalYAML accepts any scalar and keeps its source text.
func (id *Ident) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("id must be a scalar at line %d", value.Line)
	}
	*id = Ident(value.Value)
	return nil
}

// UnmarshalJSON accepts a string or a number.
func (id *Ident) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = Ident(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number, got %s", b)
	}
	*id = Ident(n.String())
	return nil
}

// Outcome tags a transition with the evaluation result that selects it.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeFail Outcome = "fail"
)

// Story is a parsed story document.
type Story struct {
	Version             int                       `yaml:"version,omitempty" json:"version,omitempty"`
	Title               string                    `yaml:"title" json:"title"`
	Roles               map[string]string         `yaml:"roles,omitempty" json:"roles,omitempty"`
	BasePreset          string                    `yaml:"base_preset,omitempty" json:"base_preset,omitempty"`
	RoleDefaults        map[string]map[string]any `yaml:"role_defaults,omitempty" json:"role_defaults,omitempty"`
	DefaultEvalInterval int                       `yaml:"default_eval_interval,omitempty" json:"default_eval_interval,omitempty"`
	Checkpoints         []Checkpoint              `yaml:"checkpoints" json:"checkpoints"`
	Transitions         []Transition              `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Checkpoint is one story stage. Triggers are compiled once by Compile;
// the compiled matchers are immutable afterwards.
type Checkpoint struct {
	ID           Ident          `yaml:"id" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	Objective    string         `yaml:"objective" json:"objective"`
	WinTriggers  []trigger.Spec `yaml:"win_triggers,omitempty" json:"win_triggers,omitempty"`
	FailTriggers []trigger.Spec `yaml:"fail_triggers,omitempty" json:"fail_triggers,omitempty"`
	OnActivate   *OnActivate    `yaml:"on_activate,omitempty" json:"on_activate,omitempty"`

	winMatchers  []*trigger.Matcher
	failMatchers []*trigger.Matcher
}

// WinMatchers returns the compiled win triggers. Nil until Compile runs.
func (c *Checkpoint) WinMatchers() []*trigger.Matcher { return c.winMatchers }

// FailMatchers returns the compiled fail triggers. Nil until Compile runs.
func (c *Checkpoint) FailMatchers() []*trigger.Matcher { return c.failMatchers }

// OnActivate describes side effects dispatched when a checkpoint becomes
// current. All fields are optional; dispatch is fire-and-forget.
type OnActivate struct {
	AuthorsNote *AuthorsNote              `yaml:"authors_note,omitempty" json:"authors_note,omitempty"`
	WorldInfo   *WorldInfo                `yaml:"world_info,omitempty" json:"world_info,omitempty"`
	Presets     map[string]map[string]any `yaml:"presets,omitempty" json:"presets,omitempty"`
	Automations []string                  `yaml:"automations,omitempty" json:"automations,omitempty"`
}

// AuthorsNote carries either one global note (Text) or per-role notes
// (Roles). Position and Depth are placement hints passed through to the
// host.
type AuthorsNote struct {
	Text     string            `yaml:"text,omitempty" json:"text,omitempty"`
	Roles    map[string]string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Position string            `yaml:"position,omitempty" json:"position,omitempty"`
	Depth    int               `yaml:"depth,omitempty" json:"depth,omitempty"`
}

// WorldInfo names lorebook entries to toggle when a checkpoint activates.
type WorldInfo struct {
	Activate     []string `yaml:"activate,omitempty" json:"activate,omitempty"`
	Deactivate   []string `yaml:"deactivate,omitempty" json:"deactivate,omitempty"`
	MakeConstant []string `yaml:"make_constant,omitempty" json:"make_constant,omitempty"`
}

// Transition is one outcome-tagged edge between checkpoints. Declaration
// order is significant: it is the tie-break when the arbiter names no
// usable transition.
type Transition struct {
	ID      Ident   `yaml:"id,omitempty" json:"id,omitempty"`
	From    Ident   `yaml:"from" json:"from"`
	To      Ident   `yaml:"to" json:"to"`
	Outcome Outcome `yaml:"outcome" json:"outcome"`
	Label   string  `yaml:"label,omitempty" json:"label,omitempty"`
}

// CheckpointIndex returns the position of the checkpoint with the given id.
func (s *Story) CheckpointIndex(id string) (int, bool) {
	for i := range s.Checkpoints {
		if string(s.Checkpoints[i].ID) == id {
			return i, true
		}
	}
	return 0, false
}

// Checkpoint returns the checkpoint with the given id.
func (s *Story) Checkpoint(id string) (*Checkpoint, bool) {
	if i, ok := s.CheckpointIndex(id); ok {
		return &s.Checkpoints[i], true
	}
	return nil, false
}

// TransitionsFrom returns the transitions leaving checkpoint id with the
// given outcome, in declaration order.
func (s *Story) TransitionsFrom(id string, outcome Outcome) []Transition {
	var out []Transition
	for _, t := range s.Transitions {
		if string(t.From) == id && t.Outcome == outcome {
			out = append(out, t)
		}
	}
	return out
}

// Compile compiles every checkpoint's trigger lists. Load calls this;
// hand-built stories must call it before matching. The first bad pattern
// aborts with the checkpoint named.
func (s *Story) Compile() error {
	for i := range s.Checkpoints {
		cp := &s.Checkpoints[i]
		win, err := trigger.CompileAll(cp.WinTriggers)
		if err != nil {
			return fmt.Errorf("checkpoint %q win_triggers: %w", cp.ID, err)
		}
		fail, err := trigger.CompileAll(cp.FailTriggers)
		if err != nil {
			return fmt.Errorf("checkpoint %q fail_triggers: %w", cp.ID, err)
		}
		cp.winMatchers = win
		cp.failMatchers = fail
	}
	return nil
}
