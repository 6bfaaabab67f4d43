package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSnapshotter_DefaultsSnapshotEvery(t *testing.T) {
	s := NewSnapshotter(nil, nil, 0)
	assert.Equal(t, int64(DefaultSnapshotEvery), s.snapshotEvery)

	s2 := NewSnapshotter(nil, nil, -3)
	assert.Equal(t, int64(DefaultSnapshotEvery), s2.snapshotEvery)

	s3 := NewSnapshotter(nil, nil, 10)
	assert.Equal(t, int64(10), s3.snapshotEvery)
}

func TestNewRefresher_DefaultsInterval(t *testing.T) {
	r := NewRefresher(nil, 0, false)
	assert.Equal(t, DefaultRefreshInterval, r.interval)
	assert.Equal(t, 5*time.Minute, r.MaxBackoff)

	r2 := NewRefresher(nil, 10*time.Second, true)
	assert.Equal(t, 10*time.Second, r2.interval)
	assert.True(t, r2.concurrently)
}
