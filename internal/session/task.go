package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
	"github.com/gosuda/salient/internal/knowledge"
)

// ErrTaskReported is returned when a task outcome is reported twice.
var ErrTaskReported = errors.New("session: task already reported") //nolint:gochecknoglobals // sentinel error

// TaskManager is handed to a worker for one task. Complete and Fail submit
// the outcome as a new command for the owning session.
type TaskManager struct {
	rt        Runtime
	accountID string
	sessionID string
	taskID    int64
	reported  atomic.Bool
}

var _ knowledge.TaskManager = (*TaskManager)(nil)

func (m *TaskManager) Complete(ctx context.Context, result map[string]any) error {
	if !m.reported.CompareAndSwap(false, true) {
		return ErrTaskReported
	}
	cmd := domain.NewCompleteTask(m.accountID, m.sessionID, m.taskID, result)
	if err := m.rt.Execute(ctx, []*domain.Command{cmd}); err != nil {
		return fmt.Errorf("session.TaskManager.Complete: %w", err)
	}
	return nil
}

func (m *TaskManager) Fail(ctx context.Context, cause error) error {
	if !m.reported.CompareAndSwap(false, true) {
		return ErrTaskReported
	}
	cmd := domain.NewTaskFailed(m.accountID, m.sessionID, m.taskID, cause)
	if err := m.rt.Execute(ctx, []*domain.Command{cmd}); err != nil {
		return fmt.Errorf("session.TaskManager.Fail: %w", err)
	}
	return nil
}

// taskAdapter is the engine-facing handler of one task node. Starting a task
// never blocks the engine: the worker runs on the task executor. Task ids in
// completed were already resolved in the event log and are skipped while
// that log is replayed.
type taskAdapter struct {
	session   *Session
	name      string
	worker    knowledge.Worker
	completed map[int64]struct{}
}

func newTaskAdapter(s *Session, name string, w knowledge.Worker) *taskAdapter {
	return &taskAdapter{
		session:   s,
		name:      name,
		worker:    w,
		completed: make(map[int64]struct{}),
	}
}

// ExecuteTask runs with the session lock held.
func (a *taskAdapter) ExecuteTask(task engine.Task) {
	if _, ok := a.completed[task.ID]; ok {
		log.Debug().Str("session_id", a.session.id).Int64("task_id", task.ID).Msg("task already completed")
		return
	}

	rt := a.session.rt
	if rt == nil {
		log.Warn().Str("session_id", a.session.id).Str("task", a.name).Msg("no runtime, task dropped")
		return
	}

	m := &TaskManager{
		rt:        rt,
		accountID: a.session.accountID,
		sessionID: a.session.id,
		taskID:    task.ID,
	}
	err := rt.RunTask(func(ctx context.Context) {
		a.run(ctx, task, m)
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", a.session.id).Int64("task_id", task.ID).Msg("task not scheduled")
	}
}

func (a *taskAdapter) run(ctx context.Context, task engine.Task, m *TaskManager) {
	logger := log.With().Str("session_id", m.sessionID).Int64("task_id", task.ID).Str("task", a.name).Logger()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return a.worker.ExecuteTask(ctx, task, m)
	}()
	if err == nil {
		return
	}

	if m.reported.Load() {
		logger.Error().Err(err).Msg("task failed after reporting")
		return
	}
	logger.Warn().Err(err).Msg("task failed")
	if ferr := m.Fail(ctx, err); ferr != nil {
		logger.Error().Err(ferr).Msg("submit task failure")
	}
}
