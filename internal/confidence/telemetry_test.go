package confidence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerAlignment(t *testing.T) {
	tracker := NewTracker(4, 100*time.Millisecond, 0)
	require.InDelta(t, 1.0, tracker.Alignment("remote"), 1e-12, "no observations")

	tracker.Observe("remote", 50*time.Millisecond, nil)
	tracker.Observe("remote", 150*time.Millisecond, nil)
	require.InDelta(t, 1.0, tracker.Alignment("remote"), 1e-12)

	tracker.Observe("remote", 300*time.Millisecond, nil)
	tracker.Observe("remote", 300*time.Millisecond, nil)
	require.InDelta(t, 0.5, tracker.Alignment("remote"), 1e-12)

	for range 4 {
		tracker.Observe("remote", 10*time.Millisecond, nil)
	}
	require.InDelta(t, 1.0, tracker.Alignment("remote"), 1e-12, "old samples roll out of the window")
}

func TestTrackerErrorRate(t *testing.T) {
	tracker := NewTracker(10, time.Second, 0.2)
	boom := errors.New("boom")
	for i := range 10 {
		var err error
		if i%2 == 0 {
			err = boom
		}
		tracker.Observe("remote", time.Millisecond, err)
	}
	require.InDelta(t, 0.5/0.8, tracker.Alignment("remote"), 1e-12)
	require.InDelta(t, 1.0, tracker.Alignment("cache"), 1e-12)

	snap := tracker.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 10, snap["remote"].Samples)
	require.InDelta(t, 0.5, snap["remote"].ErrorRate, 1e-12)
}
