// Package planner defines the contract the FlowEngine's select_nodes and
// build_plan stages call to turn a task into a node selection and,
// ultimately, an executable Plan.
//
// Grounded on original/kernel/ports/planner.py's LLMPlanner protocol
// (select_nodes, build_plan).
package planner

import (
	"context"

	"github.com/wmag/kernel/pkg/kernel"
)

// ContextPack is the hydrated context handed to BuildPlan: the resolved
// node contents plus the task fields a planner needs to ground a plan in.
type ContextPack struct {
	TenantID    string         `json:"tenant_id"`
	UserMessage string         `json:"user_message"`
	NodeIDs     []string       `json:"node_ids"`
	Nodes       map[string]any `json:"nodes"`
}

// Planner selects relevant world-index nodes for a user message and turns
// a hydrated context pack into an executable Plan.
type Planner interface {
	// SelectNodes ranks/filters the candidate node ids drawn from the
	// tenant's world-index trees down to the ones relevant to userMessage.
	SelectNodes(ctx context.Context, userMessage string, candidateNodeIDs []string, policySnippets []kernel.Policy) ([]string, error)

	// BuildPlan turns a hydrated context pack into an executable Plan.
	BuildPlan(ctx context.Context, pack ContextPack) (kernel.Plan, error)
}
