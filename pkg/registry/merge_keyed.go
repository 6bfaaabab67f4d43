package registry

import "github.com/wmag/kernel/pkg/kernel"

// mergeTools overlays ov onto base by tool_id: entries that already exist
// are replaced in place (preserving base order), new entries are appended
// in the order they appear in ov.
func mergeTools(base, ov []kernel.Tool) []kernel.Tool {
	out := cloneTools(base)
	index := make(map[string]int, len(out))
	for i, t := range out {
		index[t.ToolID] = i
	}
	for _, t := range ov {
		if i, ok := index[t.ToolID]; ok {
			out[i] = t
			continue
		}
		index[t.ToolID] = len(out)
		out = append(out, t)
	}
	return out
}

func mergeActions(base, ov []kernel.Action) []kernel.Action {
	out := cloneActions(base)
	index := make(map[string]int, len(out))
	for i, a := range out {
		index[a.ActionID] = i
	}
	for _, a := range ov {
		if i, ok := index[a.ActionID]; ok {
			out[i] = a
			continue
		}
		index[a.ActionID] = len(out)
		out = append(out, a)
	}
	return out
}

func mergePolicies(base, ov []kernel.Policy) []kernel.Policy {
	out := clonePolicies(base)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.PolicyID] = i
	}
	for _, p := range ov {
		if i, ok := index[p.PolicyID]; ok {
			out[i] = p
			continue
		}
		index[p.PolicyID] = len(out)
		out = append(out, p)
	}
	return out
}

func mergeRetryClasses(base, ov []kernel.RetryClassSpec) []kernel.RetryClassSpec {
	out := cloneRetryClasses(base)
	index := make(map[string]int, len(out))
	for i, rc := range out {
		index[rc.Name] = i
	}
	for _, rc := range ov {
		if i, ok := index[rc.Name]; ok {
			out[i] = rc
			continue
		}
		index[rc.Name] = len(out)
		out = append(out, rc)
	}
	return out
}

func cloneTools(in []kernel.Tool) []kernel.Tool {
	out := make([]kernel.Tool, len(in))
	copy(out, in)
	return out
}

func cloneActions(in []kernel.Action) []kernel.Action {
	out := make([]kernel.Action, len(in))
	copy(out, in)
	return out
}

func clonePolicies(in []kernel.Policy) []kernel.Policy {
	out := make([]kernel.Policy, len(in))
	copy(out, in)
	return out
}

func cloneRetryClasses(in []kernel.RetryClassSpec) []kernel.RetryClassSpec {
	out := make([]kernel.RetryClassSpec, len(in))
	copy(out, in)
	return out
}

func cloneRoleMap(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
