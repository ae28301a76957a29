package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peteryuqin/harmonycode/internal/scheduler"
	"github.com/stretchr/testify/require"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding flaky fixed sleeps.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestTickerFiresImmediatelyOnStart(t *testing.T) {
	var count int64
	tk := scheduler.New("test", time.Hour, func(ctx context.Context) {
		atomic.AddInt64(&count, 1)
	}, nil)

	tk.Start(context.Background())
	defer tk.Stop()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 1 })
}

func TestTickerFiresRepeatedlyOnInterval(t *testing.T) {
	var count int64
	tk := scheduler.New("test", 20*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt64(&count, 1)
	}, nil)

	tk.Start(context.Background())
	defer tk.Stop()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 3 })
}

func TestStopHaltsFurtherTicks(t *testing.T) {
	var count int64
	tk := scheduler.New("test", 10*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt64(&count, 1)
	}, nil)

	tk.Start(context.Background())
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 1 })
	tk.Stop()

	after := atomic.LoadInt64(&count)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, atomic.LoadInt64(&count))
}

func TestPanicInFireDoesNotKillLoop(t *testing.T) {
	var count int64
	tk := scheduler.New("test", 10*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt64(&count, 1)
		panic("boom")
	}, nil)

	tk.Start(context.Background())
	defer tk.Stop()

	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&count) >= 3 })
}
