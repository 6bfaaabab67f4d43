package registry

import (
	"testing"

	"github.com/wmag/kernel/pkg/kernel"
)

func baseRegistry() kernel.Registry {
	return kernel.Registry{
		RegistryID: "base",
		Tools: []kernel.Tool{
			{ToolID: "mcp:email"},
			{ToolID: "mcp:crm"},
		},
		Actions: []kernel.Action{
			{ActionID: "send_email", Tool: "mcp:email", CostUnits: 1},
			{ActionID: "read_record", Tool: "mcp:crm", CostUnits: 1},
		},
		Limits: map[string]any{"max_tool_calls": 50},
	}
}

func TestApplyPreservesBaseOrderAndAppendsNew(t *testing.T) {
	base := baseRegistry()
	overlay := Overlay{
		Tools: []kernel.Tool{{ToolID: "mcp:calendar"}},
	}
	out, err := Apply(base, overlay)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(out.Tools))
	}
	if out.Tools[0].ToolID != "mcp:email" || out.Tools[1].ToolID != "mcp:crm" {
		t.Fatalf("base order not preserved: %+v", out.Tools)
	}
	if out.Tools[2].ToolID != "mcp:calendar" {
		t.Fatalf("expected new tool appended, got %+v", out.Tools[2])
	}
}

func TestApplyOverridesMatchingActionInPlace(t *testing.T) {
	base := baseRegistry()
	overlay := Overlay{
		Actions: []kernel.Action{{ActionID: "send_email", Tool: "mcp:email", CostUnits: 5}},
	}
	out, err := Apply(base, overlay)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Actions) != 2 {
		t.Fatalf("expected action count unchanged, got %d", len(out.Actions))
	}
	action, ok := out.Actions[0], true
	_ = ok
	if action.ActionID != "send_email" || action.CostUnits != 5 {
		t.Fatalf("expected in-place override with cost_units=5, got %+v", action)
	}
}

func TestApplyLayersOrgTenantUser(t *testing.T) {
	base := baseRegistry()
	org := Overlay{Limits: map[string]any{"max_tool_calls": 30}}
	tenant := Overlay{Limits: map[string]any{"max_tool_calls": 20}}
	user := Overlay{Limits: map[string]any{"max_cost_units": 100}}

	out, err := Apply(base, org, tenant, user)
	if err != nil {
		t.Fatal(err)
	}
	if out.Limits["max_tool_calls"] != 20 {
		t.Fatalf("expected last layer (tenant=20) to win over org=30, got %v", out.Limits["max_tool_calls"])
	}
	if out.Limits["max_cost_units"] != 100 {
		t.Fatalf("expected user layer to add max_cost_units, got %v", out.Limits["max_cost_units"])
	}
}

func TestApplyTenantOverrideFiltersEnabledActions(t *testing.T) {
	base := baseRegistry()
	base.TenantOverrides = map[string]kernel.TenantOverride{
		"tenant-a": {EnabledActions: []string{"read_record"}},
	}
	out := ApplyTenantOverride(base, "tenant-a")
	if len(out.Actions) != 1 || out.Actions[0].ActionID != "read_record" {
		t.Fatalf("expected only read_record retained, got %+v", out.Actions)
	}
}

func TestApplyTenantOverridePatchesSecurity(t *testing.T) {
	base := baseRegistry()
	base.TenantOverrides = map[string]kernel.TenantOverride{
		"tenant-a": {
			SecurityOverrides: []kernel.SecurityOverridePatch{
				{
					ActionID: "send_email",
					Set: []kernel.SecurityOverrideSet{
						{Path: "/security/requires_approval", Value: true},
						{Path: "/security/allowed_roles", Value: []any{"admin", "billing"}},
					},
				},
			},
		},
	}
	out := ApplyTenantOverride(base, "tenant-a")
	action, ok := out.FindAction("send_email")
	if !ok {
		t.Fatal("expected send_email to remain")
	}
	if action.Security == nil || !action.Security.RequiresApproval {
		t.Fatalf("expected requires_approval patched true, got %+v", action.Security)
	}
	if len(action.Security.AllowedRoles) != 2 {
		t.Fatalf("expected allowed_roles patched, got %+v", action.Security.AllowedRoles)
	}
}

func TestApplyTenantOverrideNoopForUnknownTenant(t *testing.T) {
	base := baseRegistry()
	out := ApplyTenantOverride(base, "unknown")
	if len(out.Actions) != len(base.Actions) {
		t.Fatal("expected unchanged registry for tenant with no override")
	}
}
