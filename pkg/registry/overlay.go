// Package registry builds the effective, per-task Registry by layering
// org, tenant, and user overlays on top of a base registry document.
//
// Grounded on the teacher's pkg/config/merge.go (override-by-id map merge
// for agents/MCP servers/chains/providers — the same "later layer wins by
// key, unseen keys pass through" shape applied here to tools/actions/
// policies/retry_classes) and original/.../kernel/runtime/policy.py
// apply_tenant_overrides (enabled_tools/enabled_actions filtering plus
// JSON-pointer-like security patches).
package registry

import (
	"dario.cat/mergo"

	"github.com/wmag/kernel/pkg/kernel"
)

// Overlay is one layer applied on top of the base registry: a partial
// registry document. Its scope (org, tenant, or user) is given by its
// position in Apply's overlays argument.
type Overlay struct {
	Tools           []kernel.Tool
	Actions         []kernel.Action
	Policies        []kernel.Policy
	RetryClasses    []kernel.RetryClassSpec
	Roles           map[string][]string
	Limits          map[string]any
}

// Apply layers overlays onto base in order (org, then tenant, then user),
// each overriding entries from the same keyed list that share an id and
// appending new ones after the last base entry, preserving base ordering
// for anything not overridden.
func Apply(base kernel.Registry, overlays ...Overlay) (kernel.Registry, error) {
	out := base
	out.Tools = cloneTools(base.Tools)
	out.Actions = cloneActions(base.Actions)
	out.Policies = clonePolicies(base.Policies)
	out.RetryClasses = cloneRetryClasses(base.RetryClasses)
	out.Roles = cloneRoleMap(base.Roles)
	out.Limits = cloneAnyMap(base.Limits)

	for _, ov := range overlays {
		out.Tools = mergeTools(out.Tools, ov.Tools)
		out.Actions = mergeActions(out.Actions, ov.Actions)
		out.Policies = mergePolicies(out.Policies, ov.Policies)
		out.RetryClasses = mergeRetryClasses(out.RetryClasses, ov.RetryClasses)

		if len(ov.Roles) > 0 {
			if out.Roles == nil {
				out.Roles = make(map[string][]string)
			}
			if err := mergo.Merge(&out.Roles, ov.Roles, mergo.WithOverride); err != nil {
				return kernel.Registry{}, err
			}
		}
		if len(ov.Limits) > 0 {
			if out.Limits == nil {
				out.Limits = make(map[string]any)
			}
			if err := mergo.Merge(&out.Limits, ov.Limits, mergo.WithOverride); err != nil {
				return kernel.Registry{}, err
			}
		}
	}

	return out, nil
}

// ApplyTenantOverride narrows the tool/action surface for one tenant and
// patches action security fields, matching apply_tenant_overrides.
func ApplyTenantOverride(reg kernel.Registry, tenantID string) kernel.Registry {
	override, ok := reg.TenantOverrides[tenantID]
	if !ok {
		return reg
	}

	out := reg
	out.Tools = cloneTools(reg.Tools)
	out.Actions = cloneActions(reg.Actions)

	if len(override.EnabledTools) > 0 {
		allowed := toSet(override.EnabledTools)
		filtered := out.Tools[:0]
		for _, t := range out.Tools {
			if allowed[t.ToolID] {
				filtered = append(filtered, t)
			}
		}
		out.Tools = filtered
	}
	if len(override.EnabledActions) > 0 {
		allowed := toSet(override.EnabledActions)
		filtered := out.Actions[:0]
		for _, a := range out.Actions {
			if allowed[a.ActionID] {
				filtered = append(filtered, a)
			}
		}
		out.Actions = filtered
	}

	for _, patch := range override.SecurityOverrides {
		for i := range out.Actions {
			if out.Actions[i].ActionID != patch.ActionID {
				continue
			}
			if out.Actions[i].Security == nil {
				out.Actions[i].Security = &kernel.ActionSecurity{}
			}
			for _, set := range patch.Set {
				switch set.Path {
				case "/security/requires_approval":
					if b, ok := set.Value.(bool); ok {
						out.Actions[i].Security.RequiresApproval = b
					}
				case "/security/allowed_roles":
					if roles, ok := toStringSlice(set.Value); ok {
						out.Actions[i].Security.AllowedRoles = roles
					}
				}
			}
		}
	}

	return out
}

func toStringSlice(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct, true
		}
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func toSet(vals []string) map[string]bool {
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[v] = true
	}
	return s
}
