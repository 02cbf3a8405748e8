package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrTaskExpired = errors.New("task expired")
	ErrTaskExists  = errors.New("task already exists")
)

// ResultStore persists pipeline results keyed by content hash. Get returns
// ErrNotFound when nothing is stored.
type ResultStore interface {
	Get(ctx context.Context, contentHash string) (*models.PipelineResult, error)
	Save(ctx context.Context, result *models.PipelineResult) error
}

// TaskState of an async invocation
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Task is an async invocation tracked by the registry
type Task struct {
	ID        string                  `json:"task_id"`
	State     TaskState               `json:"state"`
	Status    models.ProcessingStatus `json:"status"`
	Result    *models.PipelineResult  `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	ErrorKind string                  `json:"error_kind,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// TaskStore is the async task registry
type TaskStore interface {
	Insert(task Task) error
	Get(id string) (Task, error)
	Update(id string, fn func(*Task)) error
	ExpireOlderThan(cutoff time.Time) int
}

// MemoryTaskStore keeps tasks in memory. Expired ids are remembered for one
// more expiry round so readers can tell expired from unknown.
type MemoryTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	expired map[string]time.Time
	now     func() time.Time
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:   make(map[string]*Task),
		expired: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryTaskStore) Insert(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.State == "" {
		task.State = TaskPending
	}
	s.tasks[task.ID] = &task
	return nil
}

func (s *MemoryTaskStore) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return *t, nil
	}
	if _, ok := s.expired[id]; ok {
		return Task{}, ErrTaskExpired
	}
	return Task{}, ErrNotFound
}

func (s *MemoryTaskStore) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		if _, gone := s.expired[id]; gone {
			return ErrTaskExpired
		}
		return ErrNotFound
	}
	fn(t)
	t.UpdatedAt = s.now()
	return nil
}

// ExpireOlderThan removes tasks created before cutoff and returns how many
func (s *MemoryTaskStore) ExpireOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range s.expired {
		if at.Before(cutoff) {
			delete(s.expired, id)
		}
	}
	n := 0
	now := s.now()
	for id, t := range s.tasks {
		if t.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			s.expired[id] = now
			n++
		}
	}
	return n
}

// Len returns the number of live tasks
func (s *MemoryTaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// RunJanitor expires tasks older than maxAge every interval until ctx is done
func RunJanitor(ctx context.Context, store TaskStore, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.ExpireOlderThan(now.Add(-maxAge)); n > 0 {
				logger.Info("tasks.expired", "count", n)
			}
		}
	}
}
