package export

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskStatus представляет статус экспортной задачи.
type TaskStatus string

// Возможные статусы задач.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task представляет асинхронную задачу сборки видео.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID string     `json:"projectId"`
	Status    TaskStatus `json:"status"`
	// ResultPath путь к готовому файлу, заполняется при успешном завершении.
	ResultPath string    `json:"resultPath,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	cancel context.CancelFunc
}

// TaskFunc представляет функцию, выполняемую в задаче. Возвращает путь
// к результату.
type TaskFunc func(ctx context.Context) (string, error)

// Ошибки менеджера задач.
var (
	ErrTaskNotFound  = errors.New("export: task not found")
	ErrTooManyTasks  = errors.New("export: task limit reached")
	ErrManagerClosed = errors.New("export: task manager is closed")
)

// TaskManager управляет асинхронными задачами экспорта. Каждая задача
// выполняется в собственной горутине, результат хранится до очистки.
type TaskManager struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*Task
	maxTasks int
	closed   bool
	closing  chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewTaskManager создает менеджер с ограничением на число одновременно
// хранимых задач.
func NewTaskManager(maxTasks int, logger *zap.Logger) *TaskManager {
	if maxTasks <= 0 {
		maxTasks = 10
	}
	return &TaskManager{
		tasks:    make(map[uuid.UUID]*Task),
		maxTasks: maxTasks,
		closing:  make(chan struct{}),
		logger:   logger,
	}
}

// Submit регистрирует и запускает новую задачу. Возвращает идентификатор,
// по которому можно опрашивать статус.
func (tm *TaskManager) Submit(projectID string, fn TaskFunc) (uuid.UUID, error) {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return uuid.Nil, ErrManagerClosed
	}
	active := 0
	for _, t := range tm.tasks {
		if t.Status == TaskStatusPending || t.Status == TaskStatusRunning {
			active++
		}
	}
	if active >= tm.maxTasks {
		tm.mu.Unlock()
		return uuid.Nil, ErrTooManyTasks
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	task := &Task{
		ID:        uuid.New(),
		ProjectID: projectID,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}
	tm.tasks[task.ID] = task
	tm.wg.Add(1)
	tm.mu.Unlock()

	go tm.run(ctx, task, fn)
	return task.ID, nil
}

func (tm *TaskManager) run(ctx context.Context, task *Task, fn TaskFunc) {
	defer tm.wg.Done()
	defer task.cancel()

	tm.setStatus(task.ID, TaskStatusRunning, "", "")
	tm.logger.Info("export task started",
		zap.String("task_id", task.ID.String()),
		zap.String("project_id", task.ProjectID))

	result, err := fn(ctx)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		tm.setStatus(task.ID, TaskStatusCancelled, "", err.Error())
	case err != nil:
		tm.setStatus(task.ID, TaskStatusFailed, "", err.Error())
		tm.logger.Error("export task failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
	default:
		tm.setStatus(task.ID, TaskStatusCompleted, result, "")
		tm.logger.Info("export task completed",
			zap.String("task_id", task.ID.String()),
			zap.String("result", result))
	}
}

func (tm *TaskManager) setStatus(id uuid.UUID, status TaskStatus, result, errMsg string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	task, ok := tm.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	task.ResultPath = result
	task.Error = errMsg
	task.UpdatedAt = time.Now()
}

// GetTask возвращает копию задачи по идентификатору.
func (tm *TaskManager) GetTask(id uuid.UUID) (*Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *task
	copied.cancel = nil
	return &copied, nil
}

// CancelTask отменяет незавершенную задачу.
func (tm *TaskManager) CancelTask(id uuid.UUID) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	task, ok := tm.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status == TaskStatusPending || task.Status == TaskStatusRunning {
		task.cancel()
	}
	return nil
}

// CleanupTasks удаляет завершенные задачи старше указанного возраста.
func (tm *TaskManager) CleanupTasks(age time.Duration) {
	cutoff := time.Now().Add(-age)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, task := range tm.tasks {
		if task.Status == TaskStatusPending || task.Status == TaskStatusRunning {
			continue
		}
		if task.UpdatedAt.Before(cutoff) {
			delete(tm.tasks, id)
		}
	}
}

// Close отменяет все незавершенные задачи и ждет окончания их горутин.
func (tm *TaskManager) Close() {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return
	}
	tm.closed = true
	close(tm.closing)
	for _, task := range tm.tasks {
		if task.Status == TaskStatusPending || task.Status == TaskStatusRunning {
			task.cancel()
		}
	}
	tm.mu.Unlock()
	tm.wg.Wait()
}
