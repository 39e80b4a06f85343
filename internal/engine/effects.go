package engine

import (
	"context"
	"fmt"

	"github.com/narrata/storyline/internal/story"
)

// PresetApplier pushes role parameter overrides to the chat host.
type PresetApplier interface {
	ApplyRolePreset(ctx context.Context, role string, params map[string]any) error
}

// AuthorsNoteWriter places or clears the story's author's note in the
// chat host.
type AuthorsNoteWriter interface {
	WriteAuthorsNote(ctx context.Context, note story.AuthorsNote) error
	ClearAuthorsNote(ctx context.Context) error
}

// WorldInfoToggler switches lorebook entries on and off by name.
type WorldInfoToggler interface {
	ActivateWorldInfo(ctx context.Context, names []string) error
	DeactivateWorldInfo(ctx context.Context, names []string) error
	MakeWorldInfoConstant(ctx context.Context, names []string) error
}

// AutomationRunner runs one named automation command.
type AutomationRunner interface {
	RunAutomation(ctx context.Context, id string) error
}

// Effects bundles the optional collaborators a checkpoint activation
// touches. Nil fields are skipped. Activation treats every effect as
// fire-and-forget: a failing collaborator is logged, never fatal.
type Effects struct {
	Presets     PresetApplier
	AuthorsNote AuthorsNoteWriter
	WorldInfo   WorldInfoToggler
	Automations AutomationRunner
}

// NopEffects is an Effects bundle with no collaborators wired.
func NopEffects() Effects { return Effects{} }

// dispatchOnActivate runs a checkpoint's activation side effects in a
// fixed order: author's note, world info, presets, automations. A
// checkpoint without a note clears whatever the previous one left
// behind. Errors become warnings; the activation itself has already
// committed.
func (e *Engine) dispatchOnActivate(ctx context.Context, cp *story.Checkpoint) {
	on := cp.OnActivate

	if w := e.effects.AuthorsNote; w != nil {
		if on != nil && on.AuthorsNote != nil {
			if err := w.WriteAuthorsNote(ctx, *on.AuthorsNote); err != nil {
				e.Warn(fmt.Sprintf("checkpoint %s: authors note: %v", cp.ID, err))
			}
		} else if err := w.ClearAuthorsNote(ctx); err != nil {
			e.Warn(fmt.Sprintf("checkpoint %s: clear authors note: %v", cp.ID, err))
		}
	}

	if on == nil {
		return
	}

	if w := e.effects.WorldInfo; w != nil {
		if wi := on.WorldInfo; wi != nil {
			if len(wi.Activate) > 0 {
				if err := w.ActivateWorldInfo(ctx, wi.Activate); err != nil {
					e.Warn(fmt.Sprintf("checkpoint %s: world info activate: %v", cp.ID, err))
				}
			}
			if len(wi.Deactivate) > 0 {
				if err := w.DeactivateWorldInfo(ctx, wi.Deactivate); err != nil {
					e.Warn(fmt.Sprintf("checkpoint %s: world info deactivate: %v", cp.ID, err))
				}
			}
			if len(wi.MakeConstant) > 0 {
				if err := w.MakeWorldInfoConstant(ctx, wi.MakeConstant); err != nil {
					e.Warn(fmt.Sprintf("checkpoint %s: world info make constant: %v", cp.ID, err))
				}
			}
		}
	}

	if p := e.effects.Presets; p != nil {
		for _, role := range sortedRoles(on.Presets) {
			if err := p.ApplyRolePreset(ctx, role, on.Presets[role]); err != nil {
				e.Warn(fmt.Sprintf("checkpoint %s: preset for %s: %v", cp.ID, role, err))
			}
		}
	}

	if r := e.effects.Automations; r != nil {
		for _, id := range on.Automations {
			if err := r.RunAutomation(ctx, id); err != nil {
				e.Warn(fmt.Sprintf("checkpoint %s: automation %s: %v", cp.ID, id, err))
			}
		}
	}
}
