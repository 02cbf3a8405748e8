package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/logging"
)

func TestMemoryTaskStoreLifecycle(t *testing.T) {
	s := NewMemoryTaskStore()
	if err := s.Insert(Task{ID: "t1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(Task{ID: "t1"}); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	got, err := s.Get("t1")
	if err != nil || got.State != TaskPending || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected task %+v, %v", got, err)
	}

	if err := s.Update("t1", func(task *Task) {
		task.State = TaskProcessing
		task.Status = Completed()
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.Get("t1")
	if got.State != TaskProcessing || got.Status.Progress != 8 {
		t.Fatalf("update not applied: %+v", got)
	}

	got.State = TaskFailed
	if again, _ := s.Get("t1"); again.State != TaskProcessing {
		t.Fatalf("Get must return a copy")
	}

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Update("nope", func(*Task) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestMemoryTaskStoreExpiresOnlyOlderEntries(t *testing.T) {
	s := NewMemoryTaskStore()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_ = s.Insert(Task{ID: "old", CreatedAt: base.Add(-2 * time.Hour)})
	_ = s.Insert(Task{ID: "edge", CreatedAt: base.Add(-time.Hour)})
	_ = s.Insert(Task{ID: "new", CreatedAt: base.Add(-time.Minute)})

	if n := s.ExpireOlderThan(base.Add(-time.Hour)); n != 1 {
		t.Fatalf("expected one expired task, got %d", n)
	}
	if _, err := s.Get("old"); !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	for _, id := range []string{"edge", "new"} {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("%s should survive: %v", id, err)
		}
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 live tasks, got %d", s.Len())
	}

	// the tombstone is dropped on a later round
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.ExpireOlderThan(base.Add(time.Minute))
	if _, err := s.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected tombstone to be purged, got %v", err)
	}
}

type countingStore struct {
	*MemoryTaskStore
	calls atomic.Int32
}

func (c *countingStore) ExpireOlderThan(cutoff time.Time) int {
	c.calls.Add(1)
	return c.MemoryTaskStore.ExpireOlderThan(cutoff)
}

func TestRunJanitorSweepsUntilCancelled(t *testing.T) {
	store := &countingStore{MemoryTaskStore: NewMemoryTaskStore()}
	_ = store.Insert(Task{ID: "stale", CreatedAt: time.Now().Add(-3 * time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, store, time.Hour, 5*time.Millisecond, logging.Discard())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("janitor never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if _, err := store.Get("stale"); !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("expected stale task to be expired, got %v", err)
	}
}
