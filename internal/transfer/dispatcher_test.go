package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/cloud/storage"
)

// TestDispatcher_RoutesResultsByID verifies each caller receives its own result.
func TestDispatcher_RoutesResultsByID(t *testing.T) {
	d := NewDispatcher(4, zerolog.Nop())
	defer d.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, ch := Submit(d, context.Background(), func(ctx context.Context) (int, error) {
				time.Sleep(time.Millisecond)
				return n * 2, nil
			})
			res := <-ch
			if res.ID != id {
				t.Errorf("result id %s, want %s", res.ID, id)
			}
			if res.Err != nil || res.Value != n*2 {
				t.Errorf("job %d: got (%d, %v)", n, res.Value, res.Err)
			}
		}(i)
	}
	wg.Wait()

	if n := d.InFlight(); n != 0 {
		t.Errorf("InFlight() = %d after all results, want 0", n)
	}
}

// TestDispatcher_PropagatesErrors verifies job errors reach the submitter.
func TestDispatcher_PropagatesErrors(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())
	defer d.Shutdown()

	boom := errors.New("boom")
	_, ch := Submit(d, context.Background(), func(ctx context.Context) (string, error) {
		return "", boom
	})
	if res := <-ch; !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want boom", res.Err)
	}
}

// TestDispatcher_SkipsCancelledJobs verifies a job whose context ended is not run.
func TestDispatcher_SkipsCancelledJobs(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())
	defer d.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	_, ch := Submit(d, ctx, func(ctx context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	res := <-ch
	if !errors.Is(res.Err, storage.ErrAbortedByUser) {
		t.Errorf("Err = %v, want ErrAbortedByUser", res.Err)
	}
	if ran {
		t.Error("cancelled job should not run")
	}
}

// TestDispatcher_SubmitAfterShutdown verifies late submissions fail fast.
func TestDispatcher_SubmitAfterShutdown(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())
	d.Shutdown()

	_, ch := Submit(d, context.Background(), func(ctx context.Context) (int, error) {
		return 1, nil
	})
	select {
	case res := <-ch:
		if !errors.Is(res.Err, storage.ErrAbortedByUser) {
			t.Errorf("Err = %v, want ErrAbortedByUser", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no result after shutdown")
	}
}
