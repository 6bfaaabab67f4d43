package approval

import (
	"context"
	"testing"
	"time"

	"github.com/wmag/kernel/pkg/kernel"
)

func TestStepCacheRoundTrip(t *testing.T) {
	c := NewMemStepCache()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "idem_x"); ok {
		t.Fatal("expected empty cache miss")
	}
	want := kernel.StepResult{StepID: "s1", Status: kernel.StepSucceeded}
	if err := c.Put(ctx, "idem_x", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "idem_x")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.StepID != "s1" {
		t.Fatalf("expected cached result, got %+v ok=%v", got, ok)
	}
}

func TestWaitReturnsApprovedDecisionWithoutWaitingFullTimeout(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	id, err := s.Create(ctx, "run-1", map[string]any{"step_id": "s3"})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.Decide(ctx, "run-1", kernel.Decision{Decision: kernel.DecisionApproved, By: "alice"})
	}()

	start := time.Now()
	d, err := s.Wait(ctx, id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != kernel.DecisionApproved || d.By != "alice" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected Wait to return promptly after Decide, took %v", time.Since(start))
	}
}

func TestWaitSynthesizesDeniedOnTimeout(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	id, _ := s.Create(ctx, "run-2", nil)

	d, err := s.Wait(ctx, id, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != kernel.DecisionDenied || d.By != "system" {
		t.Fatalf("expected synthesized system denial, got %+v", d)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	s := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	id, _ := s.Create(ctx, "run-3", nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Wait(ctx, id, time.Hour)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
