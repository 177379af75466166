package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGoKeyedRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	release := make(chan struct{})
	if !s.GoKeyed("req-1", func(ctx context.Context) error {
		<-release
		return nil
	}) {
		t.Fatal("first GoKeyed should start")
	}
	if s.GoKeyed("req-1", func(context.Context) error { return nil }) {
		t.Fatal("second GoKeyed with same key should be rejected")
	}
	if !s.Running("req-1") {
		t.Fatal("req-1 should be running")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running("req-1") {
		t.Fatal("req-1 should be gone after stop")
	}
}

func TestCancelKeyStopsOnlyThatTask(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	stopped := make(chan string, 2)
	for _, key := range []string{"a", "b"} {
		key := key
		s.GoKeyed(key, func(ctx context.Context) error {
			<-ctx.Done()
			stopped <- key
			return ctx.Err()
		})
	}

	if !s.CancelKey("a") {
		t.Fatal("CancelKey(a) should find the task")
	}
	select {
	case got := <-stopped:
		if got != "a" {
			t.Fatalf("stopped %q, want a", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task a did not stop")
	}
	select {
	case got := <-stopped:
		t.Fatalf("task %q stopped unexpectedly", got)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Stop(ctx)
}

func TestKeyedPanicDoesNotCancelSupervisor(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	done := make(chan struct{})
	s.GoKeyed("boom", func(context.Context) error {
		defer close(done)
		panic("kaboom")
	})
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.Context().Err() != nil {
		t.Fatal("keyed panic must not cancel the supervisor")
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.Tasks)
	}
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fatal", func(context.Context) error { return errors.New("bad") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context not cancelled")
	}
	if s.Err() == nil {
		t.Fatal("expected first error to be recorded")
	}
}
