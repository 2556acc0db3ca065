package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"odin/internal/logger"
	"odin/internal/metrics"
)

// ErrTaskNotFound is returned for unknown or already evicted task ids
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskFinished is returned when cancelling a task that already ended
var ErrTaskFinished = errors.New("task already finished")

// QueueStatus represents the current queue status for events
type QueueStatus struct {
	IsRunning      bool   `json:"isRunning"`
	CurrentTaskID  string `json:"currentTaskID"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// TaskExecutor runs one search task (implemented by App). The returned result
// is kept even when err is non-nil, so cancelled searches keep what they gathered.
type TaskExecutor interface {
	ExecuteSearchTask(ctx context.Context, task *SearchTask, progressChan chan<- TaskProgress) (*TaskResult, error)
}

// QueueManager runs search tasks one at a time in submission order
type QueueManager struct {
	tasks     map[string]*SearchTask
	taskOrder []string // maintains queue order
	mu        sync.RWMutex
	// storagePath holds one JSON file per task; empty keeps tasks in memory only
	storagePath string

	// finished bounds how many terminal tasks are retained
	finished *lru.Cache[string, struct{}]

	currentTask   *SearchTask
	currentCancel context.CancelFunc

	taskAdded chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	workerWg  sync.WaitGroup

	executor TaskExecutor

	// Event callbacks
	onQueueUpdate  func(status QueueStatus)
	onTaskProgress func(taskID string, progress TaskProgress)
	onTaskComplete func(taskID string, success bool, err error)

	watchers map[string]map[chan *SearchTask]struct{}

	log *slog.Logger
}

// NewQueueManager creates a new queue manager retaining at most maxFinished
// terminal tasks
func NewQueueManager(storagePath string, maxFinished int) (*QueueManager, error) {
	if maxFinished < 1 {
		maxFinished = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	qm := &QueueManager{
		tasks:       make(map[string]*SearchTask),
		taskOrder:   make([]string, 0),
		storagePath: storagePath,
		taskAdded:   make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		watchers:    make(map[string]map[chan *SearchTask]struct{}),
		log:         logger.For("taskqueue"),
	}

	finished, err := lru.NewWithEvict(maxFinished, qm.evict)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create finished task cache: %w", err)
	}
	qm.finished = finished

	if storagePath != "" {
		if err := qm.loadState(); err != nil {
			qm.log.Warn("failed to load queue state", "error", err)
		}
	}

	return qm, nil
}

// SetExecutor sets the task executor
func (qm *QueueManager) SetExecutor(executor TaskExecutor) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.executor = executor
}

// SetCallbacks sets event callbacks
func (qm *QueueManager) SetCallbacks(
	onQueueUpdate func(QueueStatus),
	onTaskProgress func(string, TaskProgress),
	onTaskComplete func(string, bool, error),
) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.onQueueUpdate = onQueueUpdate
	qm.onTaskProgress = onTaskProgress
	qm.onTaskComplete = onTaskComplete
}

// evict drops a finished task pushed out of the retention cache.
// Called by the cache with qm.mu held.
func (qm *QueueManager) evict(id string, _ struct{}) {
	task, exists := qm.tasks[id]
	if !exists {
		return
	}
	delete(qm.tasks, id)
	qm.removeFromOrder(id)
	if qm.storagePath != "" {
		if err := task.DeleteFile(qm.storagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			qm.log.Warn("failed to delete evicted task file", "task", id, "error", err)
		}
	}
	qm.log.Debug("evicted finished task", "task", id)
}

func (qm *QueueManager) removeFromOrder(id string) {
	newOrder := make([]string, 0, len(qm.taskOrder))
	for _, taskID := range qm.taskOrder {
		if taskID != id {
			newOrder = append(newOrder, taskID)
		}
	}
	qm.taskOrder = newOrder
}

// loadState restores persisted tasks. Tasks that were running when the
// process stopped are marked failed; pending ones run again.
func (qm *QueueManager) loadState() error {
	entries, err := os.ReadDir(qm.storagePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read task directory: %w", err)
	}

	loaded := make([]*SearchTask, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		task, err := LoadFromFile(filepath.Join(qm.storagePath, entry.Name()))
		if err != nil {
			qm.log.Warn("failed to load task", "file", entry.Name(), "error", err)
			continue
		}
		loaded = append(loaded, task)
	}

	// RFC 3339 timestamps sort lexically within one zone
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt < loaded[j].CreatedAt
	})

	qm.mu.Lock()
	defer qm.mu.Unlock()
	for _, task := range loaded {
		if task.Status == TaskStatusRunning {
			task.MarkFailed(errors.New("interrupted by shutdown"))
			qm.saveTask(task)
		}
		qm.tasks[task.ID] = task
		qm.taskOrder = append(qm.taskOrder, task.ID)
		if task.Status.Finished() {
			qm.finished.Add(task.ID, struct{}{})
		} else {
			metrics.QueuedTasks.Inc()
		}
	}

	qm.log.Info("loaded tasks from disk", "count", len(qm.tasks))
	return nil
}

// saveTask saves a single task to disk. Callers hold qm.mu.
func (qm *QueueManager) saveTask(task *SearchTask) {
	if qm.storagePath == "" {
		return
	}
	if err := task.SaveToFile(qm.storagePath); err != nil {
		qm.log.Warn("failed to persist task", "task", task.ID, "error", err)
	}
}

// AddTask adds a new task to the queue
func (qm *QueueManager) AddTask(task *SearchTask) error {
	if task == nil {
		return errors.New("task is nil")
	}

	qm.mu.Lock()
	if _, exists := qm.tasks[task.ID]; exists {
		qm.mu.Unlock()
		return fmt.Errorf("task already queued: %s", task.ID)
	}
	task.Status = TaskStatusPending
	qm.tasks[task.ID] = task
	qm.taskOrder = append(qm.taskOrder, task.ID)
	qm.saveTask(task)
	qm.mu.Unlock()

	metrics.QueuedTasks.Inc()
	qm.emitQueueUpdate()

	// Signal worker
	select {
	case qm.taskAdded <- struct{}{}:
	default:
	}

	qm.log.Info("added task", "task", task.ID, "name", task.Name)
	return nil
}

// GetTask returns a snapshot of a task by ID
func (qm *QueueManager) GetTask(id string) (*SearchTask, error) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	task, exists := qm.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// GetAllTasks returns snapshots of all tasks in order
func (qm *QueueManager) GetAllTasks() []*SearchTask {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	result := make([]*SearchTask, 0, len(qm.taskOrder))
	for _, id := range qm.taskOrder {
		if task, exists := qm.tasks[id]; exists {
			result = append(result, task.Clone())
		}
	}
	return result
}

// CancelTask cancels a running or pending task
func (qm *QueueManager) CancelTask(id string) error {
	qm.mu.Lock()

	task, exists := qm.tasks[id]
	if !exists {
		qm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Finished() {
		qm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskFinished, id)
	}

	if qm.currentTask != nil && qm.currentTask.ID == id {
		// the worker marks it cancelled when the executor returns
		qm.currentCancel()
		qm.mu.Unlock()
		qm.log.Info("cancelling running task", "task", id)
		return nil
	}

	task.MarkCancelled()
	qm.saveTask(task)
	qm.finished.Add(id, struct{}{})
	snapshot := task.Clone()
	qm.mu.Unlock()

	metrics.QueuedTasks.Dec()
	qm.closeWatchers(snapshot)
	qm.emitQueueUpdate()
	qm.log.Info("cancelled task", "task", id)
	return nil
}

// DeleteTask removes a finished task from the queue
func (qm *QueueManager) DeleteTask(id string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	task, exists := qm.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !task.Status.Finished() {
		return fmt.Errorf("cannot delete unfinished task %s - cancel it first", id)
	}

	// Remove runs the eviction callback, which drops the task and its file
	if !qm.finished.Remove(id) {
		qm.evict(id, struct{}{})
	}
	qm.log.Info("deleted task", "task", id)
	return nil
}

// Watch subscribes to snapshots of a task. The channel receives a snapshot on
// every progress update and is closed once the task finishes. Slow readers
// miss intermediate snapshots, never the final one.
func (qm *QueueManager) Watch(id string) (<-chan *SearchTask, func(), error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	task, exists := qm.tasks[id]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	ch := make(chan *SearchTask, 8)
	ch <- task.Clone()
	if task.Status.Finished() {
		close(ch)
		return ch, func() {}, nil
	}

	if qm.watchers[id] == nil {
		qm.watchers[id] = make(map[chan *SearchTask]struct{})
	}
	qm.watchers[id][ch] = struct{}{}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			qm.mu.Lock()
			defer qm.mu.Unlock()
			if _, ok := qm.watchers[id][ch]; ok {
				delete(qm.watchers[id], ch)
				close(ch)
			}
		})
	}
	return ch, stop, nil
}

// notifyWatchers sends a snapshot to every watcher without blocking
func (qm *QueueManager) notifyWatchers(snapshot *SearchTask) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	for ch := range qm.watchers[snapshot.ID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// closeWatchers delivers the final snapshot and closes every watcher
func (qm *QueueManager) closeWatchers(snapshot *SearchTask) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	for ch := range qm.watchers[snapshot.ID] {
		// make room for the final snapshot
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
		close(ch)
	}
	delete(qm.watchers, snapshot.ID)
}

// Start launches the worker goroutine. Calling it again has no effect.
func (qm *QueueManager) Start() {
	qm.startOnce.Do(func() {
		qm.workerWg.Add(1)
		go qm.worker()
		qm.log.Info("queue started")
	})
}

// GetStatus returns the current queue status
func (qm *QueueManager) GetStatus() QueueStatus {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	completed := 0
	pending := 0
	for _, task := range qm.tasks {
		switch task.Status {
		case TaskStatusCompleted:
			completed++
		case TaskStatusPending:
			pending++
		}
	}

	currentTaskID := ""
	if qm.currentTask != nil {
		currentTaskID = qm.currentTask.ID
	}

	return QueueStatus{
		IsRunning:      qm.currentTask != nil,
		CurrentTaskID:  currentTaskID,
		TotalTasks:     len(qm.tasks),
		CompletedTasks: completed,
		PendingTasks:   pending,
	}
}

// nextPending claims the oldest pending task, or returns nil
func (qm *QueueManager) nextPending() (*SearchTask, context.Context) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	for _, id := range qm.taskOrder {
		task := qm.tasks[id]
		if task.Status != TaskStatusPending {
			continue
		}
		ctx, cancel := context.WithCancel(qm.ctx)
		qm.currentTask = task
		qm.currentCancel = cancel
		task.MarkStarted()
		qm.saveTask(task)
		return task, ctx
	}
	return nil, nil
}

// worker processes tasks in the background until Close
func (qm *QueueManager) worker() {
	defer qm.workerWg.Done()
	qm.log.Debug("worker started")
	defer qm.log.Debug("worker stopped")

	for {
		task, ctx := qm.nextPending()
		if task == nil {
			select {
			case <-qm.taskAdded:
				continue
			case <-qm.ctx.Done():
				return
			}
		}
		metrics.QueuedTasks.Dec()
		qm.emitQueueUpdate()
		qm.execute(ctx, task)
	}
}

func (qm *QueueManager) execute(ctx context.Context, task *SearchTask) {
	qm.log.Info("executing task", "task", task.ID, "name", task.Name)

	qm.mu.RLock()
	executor := qm.executor
	onProgress := qm.onTaskProgress
	onComplete := qm.onTaskComplete
	input := task.Clone()
	qm.mu.RUnlock()

	progressChan := make(chan TaskProgress, 10)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for progress := range progressChan {
			qm.mu.Lock()
			task.UpdateProgress(progress)
			snapshot := task.Clone()
			qm.mu.Unlock()

			qm.notifyWatchers(snapshot)
			if onProgress != nil {
				onProgress(task.ID, snapshot.Progress)
			}
		}
	}()

	var (
		result  *TaskResult
		execErr error
	)
	if executor != nil {
		result, execErr = executor.ExecuteSearchTask(ctx, input, progressChan)
	} else {
		execErr = errors.New("no executor configured")
	}
	close(progressChan)
	<-drained

	qm.mu.Lock()
	switch {
	case execErr != nil && ctx.Err() != nil:
		task.Result = result
		task.MarkCancelled()
		qm.log.Info("task cancelled", "task", task.ID)
	case execErr != nil:
		task.Result = result
		task.MarkFailed(execErr)
		qm.log.Error("task failed", "task", task.ID, "error", execErr)
	default:
		task.MarkCompleted(result)
		qm.log.Info("task completed", "task", task.ID)
	}
	qm.saveTask(task)
	qm.currentCancel()
	qm.currentTask = nil
	qm.currentCancel = nil
	qm.finished.Add(task.ID, struct{}{})
	snapshot := task.Clone()
	qm.mu.Unlock()

	qm.closeWatchers(snapshot)
	if onComplete != nil {
		onComplete(task.ID, execErr == nil, execErr)
	}
	qm.emitQueueUpdate()
}

// emitQueueUpdate emits a queue update event
func (qm *QueueManager) emitQueueUpdate() {
	qm.mu.RLock()
	onUpdate := qm.onQueueUpdate
	qm.mu.RUnlock()
	if onUpdate != nil {
		onUpdate(qm.GetStatus())
	}
}

// ClearCompleted removes all finished tasks
func (qm *QueueManager) ClearCompleted() {
	qm.mu.Lock()
	qm.finished.Purge()
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	qm.log.Info("cleared finished tasks")
}

// Close cancels the running task and waits for the worker to stop
func (qm *QueueManager) Close() {
	qm.cancel()
	qm.workerWg.Wait()
}
