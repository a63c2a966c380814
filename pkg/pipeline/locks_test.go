package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockRegistry(t *testing.T) {
	t.Run("a held partition blocks a second writer", func(t *testing.T) {
		r := newLockRegistry()
		unlock := r.lock("sensor_events", asOf)
		require.False(t, r.mutex("sensor_events", asOf).TryLock())

		unlock()
		m := r.mutex("sensor_events", asOf)
		require.True(t, m.TryLock())
		m.Unlock()
	})

	t.Run("the date is keyed by day regardless of time of day", func(t *testing.T) {
		r := newLockRegistry()
		require.Same(t, r.mutex("sensor_events", asOf), r.mutex("sensor_events", asOf.Add(12*time.Hour)))
	})

	t.Run("different dates and tables do not contend", func(t *testing.T) {
		r := newLockRegistry()
		unlock := r.lock("sensor_events", asOf)
		defer unlock()

		require.NotSame(t, r.mutex("sensor_events", asOf), r.mutex("sensor_events", asOf.AddDate(0, 0, 1)))
		require.NotSame(t, r.mutex("sensor_events", asOf), r.mutex("hourly_aggregates", asOf))

		other := r.lock("hourly_aggregates", asOf)
		other()
	})

	t.Run("a range lock holds every date and releases them all", func(t *testing.T) {
		r := newLockRegistry()
		from := asOf.AddDate(0, 0, -2)
		unlock := r.lockRange("daily_aggregates", from, asOf)

		for offset := -2; offset <= 0; offset++ {
			require.False(t, r.mutex("daily_aggregates", asOf.AddDate(0, 0, offset)).TryLock())
		}

		unlock()
		for offset := -2; offset <= 0; offset++ {
			m := r.mutex("daily_aggregates", asOf.AddDate(0, 0, offset))
			require.True(t, m.TryLock())
			m.Unlock()
		}
	})

	t.Run("concurrent writers on one partition serialize", func(t *testing.T) {
		r := newLockRegistry()
		var active atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := r.lock("sensor_events", asOf)
				defer unlock()
				if n := active.Add(1); n != 1 {
					t.Errorf("%d writers inside the same partition lock", n)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
			}()
		}
		wg.Wait()
	})
}
