package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) SweepExpired(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, s.err
}

func runFor(t *testing.T, j *Janitor, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !until() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SweepsAtStartup(t *testing.T) {
	s := &countingSweeper{}
	// An interval far beyond the test duration leaves only the startup sweep.
	j := New(s, time.Hour)

	runFor(t, j, func() bool { return s.calls.Load() >= 1 })

	if got := s.calls.Load(); got != 1 {
		t.Errorf("sweeps = %d, want 1", got)
	}
}

func TestRun_SweepsOnTick(t *testing.T) {
	s := &countingSweeper{}
	j := New(s, 5*time.Millisecond)

	runFor(t, j, func() bool { return s.calls.Load() >= 3 })

	if got := s.calls.Load(); got < 3 {
		t.Errorf("sweeps = %d, want >= 3", got)
	}
}

func TestRun_ContinuesAfterError(t *testing.T) {
	s := &countingSweeper{err: errors.New("locked")}
	j := New(s, 5*time.Millisecond)

	runFor(t, j, func() bool { return s.calls.Load() >= 2 })

	if got := s.calls.Load(); got < 2 {
		t.Errorf("sweeps = %d, want >= 2 despite errors", got)
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	if j := New(&countingSweeper{}, 0); j.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", j.interval)
	}
}
