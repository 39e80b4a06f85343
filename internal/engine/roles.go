package engine

import (
	"context"
	"sort"
)

// HandleSpeaker applies the parameter set for the role about to speak:
// the story-level defaults for that role overlaid with the active
// checkpoint's per-role overrides. A role with no parameters anywhere is
// skipped; a role the story never names is skipped with an event so
// authoring typos show up in the transcript.
func (e *Engine) HandleSpeaker(ctx context.Context, role string) {
	p := e.effects.Presets
	if p == nil {
		return
	}

	e.mu.Lock()
	_, known := e.story.Roles[role]
	params := mergeParams(e.story.RoleDefaults[role], e.activeOverrides(role))
	e.mu.Unlock()

	if len(params) == 0 {
		if !known {
			e.appendProgress(map[string]any{
				"event": "role_unknown",
				"role":  role,
			})
		}
		return
	}
	if err := p.ApplyRolePreset(ctx, role, params); err != nil {
		e.Warn("preset for " + role + ": " + err.Error())
	}
}

// activeOverrides returns the active checkpoint's preset overrides for
// the role. Callers hold e.mu.
func (e *Engine) activeOverrides(role string) map[string]any {
	cp := &e.story.Checkpoints[e.st.CheckpointIndex]
	if cp.OnActivate == nil {
		return nil
	}
	return cp.OnActivate.Presets[role]
}

// mergeParams overlays override onto base without mutating either.
func mergeParams(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func sortedRoles(m map[string]map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	roles := make([]string, 0, len(m))
	for role := range m {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
