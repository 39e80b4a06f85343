package story

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultEvalInterval is the turn interval used when a story does not set
// its own.
const DefaultEvalInterval = 3

// ErrInvalid tags definition errors: anything wrong with the story
// document itself, from syntax to a transition naming a checkpoint that
// does not exist. Hosts match it with errors.Is to tell a broken story
// from an IO failure.
var ErrInvalid = errors.New("invalid story")

// Load reads, validates and compiles a story file. YAML is the primary
// format; files ending in .json decode as JSON. Any problem is a
// definition error: the caller aborts the story load, there is no partial
// result.
func Load(path string) (*Story, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Decode(b, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Decode parses story bytes. ext selects the format (".json" for JSON,
// anything else YAML). The document is schema-checked before the strict
// struct decode so shape errors carry document paths rather than Go field
// names. Every failure wraps ErrInvalid.
func Decode(b []byte, ext string) (*Story, error) {
	s, err := decode(b, ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return s, nil
}

func decode(b []byte, ext string) (*Story, error) {
	var doc any
	var s Story
	switch ext {
	case ".json":
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		if err := validateShape(doc); err != nil {
			return nil, err
		}
		if err := decodeJSONStrict(b, &s); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		if err := validateShape(doc); err != nil {
			return nil, err
		}
		if err := decodeYAMLStrict(b, &s); err != nil {
			return nil, err
		}
	}
	applyDefaults(&s)
	if err := validate(&s); err != nil {
		return nil, err
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeJSONStrict(b []byte, s *Story) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, s *Story) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(s *Story) {
	if s == nil {
		return
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if s.DefaultEvalInterval == 0 {
		s.DefaultEvalInterval = DefaultEvalInterval
	}
	s.Title = strings.TrimSpace(s.Title)
	for i := range s.Checkpoints {
		cp := &s.Checkpoints[i]
		cp.ID = Ident(strings.TrimSpace(string(cp.ID)))
		cp.Name = strings.TrimSpace(cp.Name)
		cp.Objective = strings.TrimSpace(cp.Objective)
	}
	for i := range s.Transitions {
		t := &s.Transitions[i]
		t.ID = Ident(strings.TrimSpace(string(t.ID)))
		t.From = Ident(strings.TrimSpace(string(t.From)))
		t.To = Ident(strings.TrimSpace(string(t.To)))
		t.Outcome = Outcome(strings.ToLower(strings.TrimSpace(string(t.Outcome))))
		if t.ID == "" {
			t.ID = Ident(fmt.Sprintf("%s.%s.%d", t.From, t.Outcome, i))
		}
	}
}

func validate(s *Story) error {
	if s == nil {
		return fmt.Errorf("story is nil")
	}
	if s.Version != 1 {
		return fmt.Errorf("unsupported story version: %d", s.Version)
	}
	if s.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(s.Checkpoints) == 0 {
		return fmt.Errorf("at least one checkpoint is required")
	}
	if s.DefaultEvalInterval < 1 {
		return fmt.Errorf("default_eval_interval must be >= 1")
	}
	seen := make(map[Ident]int, len(s.Checkpoints))
	for i, cp := range s.Checkpoints {
		if cp.ID == "" {
			return fmt.Errorf("checkpoint %d: id is required", i)
		}
		if prev, dup := seen[cp.ID]; dup {
			return fmt.Errorf("checkpoint %d: duplicate id %q (first used by checkpoint %d)", i, cp.ID, prev)
		}
		seen[cp.ID] = i
		if cp.Name == "" {
			return fmt.Errorf("checkpoint %q: name is required", cp.ID)
		}
		if cp.Objective == "" {
			return fmt.Errorf("checkpoint %q: objective is required", cp.ID)
		}
	}
	transIDs := make(map[Ident]bool, len(s.Transitions))
	for i, t := range s.Transitions {
		if transIDs[t.ID] {
			return fmt.Errorf("transition %d: duplicate id %q", i, t.ID)
		}
		transIDs[t.ID] = true
		if _, ok := seen[t.From]; !ok {
			return fmt.Errorf("transition %q: unknown from checkpoint %q", t.ID, t.From)
		}
		if _, ok := seen[t.To]; !ok {
			return fmt.Errorf("transition %q: unknown to checkpoint %q", t.ID, t.To)
		}
		switch t.Outcome {
		case OutcomeWin, OutcomeFail:
		default:
			return fmt.Errorf("transition %q: invalid outcome %q (want win|fail)", t.ID, t.Outcome)
		}
	}
	return nil
}
