package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wmag/kernel/pkg/config"
)

func TestWorker_PollInterval_WithinJitterBounds(t *testing.T) {
	w := &Worker{config: &config.QueueConfig{
		PollInterval:       1 * time.Second,
		PollIntervalJitter: 200 * time.Millisecond,
	}}

	for i := 0; i < 50; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestWorker_PollInterval_NoJitter(t *testing.T) {
	w := &Worker{config: &config.QueueConfig{PollInterval: 500 * time.Millisecond}}
	assert.Equal(t, 500*time.Millisecond, w.pollInterval())
}

func TestAdvisoryKey_StableAndSlotVaries(t *testing.T) {
	a := advisoryKey("tenant-a", 0)
	b := advisoryKey("tenant-a", 0)
	assert.Equal(t, a, b, "same tenant+slot must hash to the same key")

	c := advisoryKey("tenant-a", 1)
	assert.NotEqual(t, a, c, "distinct slots for the same tenant must not collide")

	d := advisoryKey("tenant-b", 0)
	assert.NotEqual(t, a, d, "distinct tenants should not usually collide")
}

func TestWorkerID_Deterministic(t *testing.T) {
	assert.Equal(t, "pod-1-worker-0", workerID("pod-1", 0))
	assert.Equal(t, "pod-1-worker-3", workerID("pod-1", 3))
}

func TestNewLockRing_ClampsSlotsToAtLeastOne(t *testing.T) {
	r := newLockRing(nil, 0)
	assert.Equal(t, 1, r.slots)
	r2 := newLockRing(nil, -5)
	assert.Equal(t, 1, r2.slots)
}
