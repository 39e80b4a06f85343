package trigger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind tags which trigger list produced a match.
type Kind string

const (
	Win  Kind = "win"
	Fail Kind = "fail"
)

// Spec is one authored trigger pattern. Three forms are accepted in story
// files:
//
//	win_triggers:
//	  - dragon                      # bare pattern, case-insensitive
//	  - /Open Sesame/               # delimiter notation, flags as written
//	  - {pattern: "run+", flags: im}
//
// Flags i, m and s carry over. Flags g, u, y, d and v are stripped without
// error; any other flag fails compilation.
type Spec struct {
	Pattern string
	Flags   string

	explicitFlags bool
}

// NewSpec returns a bare-pattern spec (case-insensitive by default).
func NewSpec(pattern string) Spec {
	return Spec{Pattern: pattern}
}

// NewSpecFlags returns a spec with explicit flags. An empty flags string
// means case-sensitive, not the default.
func NewSpecFlags(pattern, flags string) Spec {
	return Spec{Pattern: pattern, Flags: flags, explicitFlags: true}
}

// UnmarshalYAML accepts either a scalar (bare or delimiter notation) or a
// {pattern, flags} mapping.
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*s = parseScalarSpec(raw)
		return nil
	case yaml.MappingNode:
		var obj struct {
			Pattern string  `yaml:"pattern"`
			Flags   *string `yaml:"flags"`
		}
		if err := value.Decode(&obj); err != nil {
			return err
		}
		*s = Spec{Pattern: obj.Pattern}
		if obj.Flags != nil {
			s.Flags = *obj.Flags
			s.explicitFlags = true
		}
		return nil
	default:
		return fmt.Errorf("trigger: expected string or {pattern, flags} mapping at line %d", value.Line)
	}
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON story files.
func (s *Spec) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		*s = parseScalarSpec(raw)
		return nil
	}
	var obj struct {
		Pattern string  `json:"pattern"`
		Flags   *string `json:"flags"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("trigger: expected string or {pattern, flags} object")
	}
	*s = Spec{Pattern: obj.Pattern}
	if obj.Flags != nil {
		s.Flags = *obj.Flags
		s.explicitFlags = true
	}
	return nil
}

// parseScalarSpec reads delimiter notation when the scalar starts with a
// slash and ends with a slash followed only by flag letters. Anything else
// is a bare pattern.
func parseScalarSpec(raw string) Spec {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "/") {
		if end := strings.LastIndex(trimmed, "/"); end > 0 {
			body := trimmed[1:end]
			flags := trimmed[end+1:]
			if body != "" && isFlagRun(flags) {
				return Spec{Pattern: body, Flags: flags, explicitFlags: true}
			}
		}
	}
	return Spec{Pattern: trimmed}
}

func isFlagRun(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// Matcher is a compiled trigger pattern bound to its position in the
// authored list. Matching holds no state; the same text always yields the
// same answer.
type Matcher struct {
	re      *regexp.Regexp
	pattern string
	index   int
}

// Compile builds a matcher from spec. A failure here is a definition error:
// callers abort the story load rather than skip the pattern.
func Compile(spec Spec, index int) (*Matcher, error) {
	pattern := strings.TrimSpace(spec.Pattern)
	if pattern == "" {
		return nil, fmt.Errorf("trigger %d: empty pattern", index)
	}
	flags := spec.Flags
	if !spec.explicitFlags {
		flags = "i"
	}
	prefix, err := flagPrefix(flags)
	if err != nil {
		return nil, fmt.Errorf("trigger %d %q: %w", index, pattern, err)
	}
	re, err := regexp.Compile(prefix + pattern)
	if err != nil {
		return nil, fmt.Errorf("trigger %d %q: %w", index, pattern, err)
	}
	return &Matcher{re: re, pattern: pattern, index: index}, nil
}

// CompileAll compiles specs in order. The first failure aborts the list.
func CompileAll(specs []Spec) ([]*Matcher, error) {
	matchers := make([]*Matcher, 0, len(specs))
	for i, spec := range specs {
		m, err := Compile(spec, i)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

func flagPrefix(flags string) (string, error) {
	var kept strings.Builder
	for _, r := range flags {
		switch r {
		case 'i', 'm', 's':
			if !strings.ContainsRune(kept.String(), r) {
				kept.WriteRune(r)
			}
		case 'g', 'u', 'y', 'd', 'v':
			// Cursor and unicode-mode selectors with no equivalent here.
		default:
			return "", fmt.Errorf("unsupported flag %q", string(r))
		}
	}
	if kept.Len() == 0 {
		return "", nil
	}
	return "(?" + kept.String() + ")", nil
}

// MatchString reports whether text matches.
func (m *Matcher) MatchString(text string) bool {
	return m.re.MatchString(text)
}

// Pattern returns the authored pattern body.
func (m *Matcher) Pattern() string { return m.pattern }

// Result describes the first pattern hit for a block of text.
type Result struct {
	Kind    Kind
	Pattern string
	Index   int
}

// Match tests text against fail matchers first, then win matchers, each in
// authored order, and returns the first hit. Text matching both lists
// resolves to Fail. Returns nil when nothing matches.
func Match(text string, win, fail []*Matcher) *Result {
	for _, m := range fail {
		if m.MatchString(text) {
			return &Result{Kind: Fail, Pattern: m.pattern, Index: m.index}
		}
	}
	for _, m := range win {
		if m.MatchString(text) {
			return &Result{Kind: Win, Pattern: m.pattern, Index: m.index}
		}
	}
	return nil
}
