package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "@every 30m", "@hourly", " 0 3 * * 1 "} {
		if err := Validate(expr); err != nil {
			t.Fatalf("Validate(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "every hour", "* * *", "61 * * * *"} {
		if err := Validate(expr); err == nil {
			t.Fatalf("Validate(%q): expected error", expr)
		}
	}
}

func TestRunInvalidExpression(t *testing.T) {
	if err := Run(context.Background(), "not a schedule", func(context.Context) {}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunExecutesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "@every 1s", func(context.Context) {
			if runs.Add(1) >= 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatalf("scheduler did not run twice in time")
	}
	if runs.Load() < 2 {
		t.Fatalf("runs = %d, want >= 2", runs.Load())
	}
}

func TestRunSkipsOverlappingJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, maxRunning, runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "@every 1s", func(ctx context.Context) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			select {
			case <-ctx.Done():
			case <-time.After(2500 * time.Millisecond):
			}
		})
	}()

	time.Sleep(4 * time.Second)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxRunning.Load() != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", maxRunning.Load())
	}
	if runs.Load() == 0 {
		t.Fatalf("job never ran")
	}
}
