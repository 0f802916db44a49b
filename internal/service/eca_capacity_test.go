package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

func TestCapacityTrackerReserveAndRelease(t *testing.T) {
	tracker := NewCapacityTracker([]models.EcaActivity{
		{ID: "bounded", MaxCapacity: ecaCap(2)},
		{ID: "open"},
	})

	assert.True(t, tracker.Reserve("bounded"))
	assert.True(t, tracker.Reserve("bounded"))
	assert.False(t, tracker.Reserve("bounded"))
	assert.False(t, tracker.HasRoom("bounded"))
	assert.Equal(t, 2, tracker.CurrentEnrollment("bounded"))

	tracker.Release("bounded")
	assert.True(t, tracker.HasRoom("bounded"))
	assert.Equal(t, 1, tracker.CurrentEnrollment("bounded"))

	for i := 0; i < 50; i++ {
		require.True(t, tracker.Reserve("open"))
	}
	assert.False(t, tracker.Reserve("missing"))

	tracker.Release("missing")
	assert.Equal(t, 0, tracker.CurrentEnrollment("missing"))
	assert.NoError(t, tracker.Verify())
}

func TestCapacityTrackerConcurrentReserveNeverOverfills(t *testing.T) {
	tracker := NewCapacityTracker([]models.EcaActivity{{ID: "a", MaxCapacity: ecaCap(10)}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.Reserve("a") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, 10, tracker.Snapshot()["a"])
}

func TestSoftTarget(t *testing.T) {
	tests := []struct {
		name     string
		activity models.EcaActivity
		ratio    float64
		want     int
		bounded  bool
	}{
		{name: "unbounded", activity: models.EcaActivity{}, ratio: 0.8},
		{name: "rounds up", activity: models.EcaActivity{MaxCapacity: ecaCap(12)}, ratio: 0.8, want: 10, bounded: true},
		{name: "exact product", activity: models.EcaActivity{MaxCapacity: ecaCap(10)}, ratio: 0.8, want: 8, bounded: true},
		{name: "raised to minimum", activity: models.EcaActivity{MaxCapacity: ecaCap(10), MinCapacity: ecaCap(9)}, ratio: 0.5, want: 9, bounded: true},
		{name: "never above max", activity: models.EcaActivity{MaxCapacity: ecaCap(4), MinCapacity: ecaCap(6)}, ratio: 0.5, want: 4, bounded: true},
		{name: "at least one", activity: models.EcaActivity{MaxCapacity: ecaCap(1)}, ratio: 0.1, want: 1, bounded: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, bounded := softTarget(tc.activity, tc.ratio)
			assert.Equal(t, tc.bounded, bounded)
			assert.Equal(t, tc.want, got)
		})
	}
}
