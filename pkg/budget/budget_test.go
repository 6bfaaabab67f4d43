package budget

import (
	"context"
	"errors"
	"testing"
)

func TestConsumeAccumulates(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	used, err := s.Consume(ctx, "run-1", Delta{ToolCalls: 1, CostUnits: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if used.ToolCalls != 1 || used.CostUnits != 2 {
		t.Fatalf("unexpected usage after first consume: %+v", used)
	}

	used, err = s.Consume(ctx, "run-1", Delta{ToolCalls: 1, CostUnits: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if used.ToolCalls != 2 || used.CostUnits != 5 {
		t.Fatalf("unexpected usage after second consume: %+v", used)
	}
}

func TestConsumeRejectsOverLimit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	limits := map[string]any{"max_tool_calls": 1}

	if _, err := s.Consume(ctx, "run-1", Delta{ToolCalls: 1}, limits); err != nil {
		t.Fatal(err)
	}
	_, err := s.Consume(ctx, "run-1", Delta{ToolCalls: 1}, limits)
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Limit != "max_tool_calls" {
		t.Fatalf("expected ExceededError{max_tool_calls}, got %v", err)
	}
}

func TestConsumeIsolatesRuns(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	limits := map[string]any{"max_tool_calls": 1}

	if _, err := s.Consume(ctx, "run-1", Delta{ToolCalls: 1}, limits); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Consume(ctx, "run-2", Delta{ToolCalls: 1}, limits); err != nil {
		t.Fatalf("expected run-2 to have its own budget, got %v", err)
	}
}
