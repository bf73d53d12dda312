// Package scheduler implements spec.md §4.6: a timestamp-ordered queue
// of pending (entity, verb, args) invocations, backed by storage.Store so
// tasks survive restarts.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/rhizome-lab/viwo/internal/storage"
)

// Scheduler is a thin, logged wrapper over the storage layer's task
// table. It owns no state of its own — storage.Store.ProcessDue is
// already linearizable — so a Scheduler is safe to share across
// goroutines exactly as the Store it wraps is (spec.md §5).
type Scheduler struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Scheduler over store. now defaults to time.Now and is
// only overridden in tests.
func New(store storage.Store, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: store, log: log, now: time.Now}
}

// Schedule inserts a task due max(0, delayMs) milliseconds from now and
// returns its id.
func (s *Scheduler) Schedule(entity storage.EntityID, verb string, args []any, delayMs int64) (int64, error) {
	if delayMs < 0 {
		delayMs = 0
	}
	dueMs := s.now().UnixMilli() + delayMs
	id, err := s.store.CreateTask(entity, verb, args, dueMs)
	if err != nil {
		s.log.Error("schedule failed", "entity_id", entity, "verb", verb, "error", err)
		return 0, err
	}
	s.log.Debug("task scheduled", "task_id", id, "entity_id", entity, "verb", verb, "due_ms", dueMs)
	return id, nil
}

// Process atomically selects and deletes all tasks due now or earlier,
// returned in ascending (due_ms, id) order. The caller is responsible
// for running each task; re-scheduling on failure is a caller policy,
// not automatic (spec.md §4.6).
func (s *Scheduler) Process() ([]storage.ScheduledTask, error) {
	due, err := s.store.ProcessDue(s.now().UnixMilli())
	if err != nil {
		s.log.Error("process failed", "error", err)
		return nil, err
	}
	if len(due) > 0 {
		s.log.Debug("processed due tasks", "count", len(due))
	}
	return due, nil
}

// Cancel best-effort removes a pending task.
func (s *Scheduler) Cancel(taskID int64) error {
	return s.store.CancelTask(taskID)
}
