package reactor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finit-go/finit/internal/logging"
)

func runLoop(t *testing.T) (*Loop, func()) {
	t.Helper()
	l, err := New(logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	return l, func() {
		cancel()
		<-done
		_ = l.Close()
	}
}

func TestLoop_Post_RunsOnLoopGoroutine(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	done := make(chan struct{})
	require.NoError(t, l.Post(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted work did not run in time")
	}
}

func TestLoop_PostOnce_CoalescesWithinATurn(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	var mu sync.Mutex
	var runs int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.PostOnce("sweep", func() {
			mu.Lock()
			runs++
			mu.Unlock()
			close(done)
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coalesced work did not run in time")
	}

	time.Sleep(50 * time.Millisecond) // let any spurious extra runs land
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs, "five PostOnce calls under the same key in one burst must coalesce to one run")
}

func TestLoop_ScheduleTimer(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	start := time.Now()
	done := make(chan struct{})
	require.NoError(t, l.ScheduleTimer(20*time.Millisecond, func() { close(done) }))

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire in time")
	}
}

func TestLoop_WatchSignals_DeliversOnLoopGoroutine(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	received := make(chan os.Signal, 1)
	stopWatch := l.WatchSignals(func(sig os.Signal) { received <- sig }, syscall.SIGUSR1)
	defer stopWatch()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case sig := <-received:
		assert.Equal(t, syscall.SIGUSR1, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not delivered in time")
	}
}
