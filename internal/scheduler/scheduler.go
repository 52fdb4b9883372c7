// Package scheduler runs the periodic background tasks on minute-granular
// intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusIdle    TaskStatus = "idle"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusError   TaskStatus = "error"
)

// TaskFunc is the function signature for scheduled tasks.
type TaskFunc func(ctx context.Context) error

// TaskConfig declares a scheduled task.
type TaskConfig struct {
	ID              string
	Name            string
	Description     string
	IntervalMinutes int
	Func            TaskFunc
	RunOnStart      bool
}

// TaskInfo is the externally visible task state.
type TaskInfo struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	IntervalMinutes int        `json:"intervalMinutes"`
	Status          TaskStatus `json:"status"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time `json:"nextRunAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

type taskEntry struct {
	config    TaskConfig
	job       gocron.Job
	status    TaskStatus
	lastRunAt *time.Time
	lastError string
}

// Scheduler manages background tasks. Tasks are not reentrant: a trigger
// while a task runs is dropped.
type Scheduler struct {
	gocron gocron.Scheduler
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*taskEntry
}

// New creates a scheduler.
func New(logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		gocron: gs,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[string]*taskEntry),
	}, nil
}

// RegisterTask registers a task on its interval.
func (s *Scheduler) RegisterTask(config TaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[config.ID]; exists {
		return fmt.Errorf("task %q already registered", config.ID)
	}

	id := config.ID
	job, err := s.gocron.NewJob(
		triggerFor(config.IntervalMinutes).jobDefinition(),
		gocron.NewTask(func() { s.executeTask(id) }),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to create job for task %q: %w", config.ID, err)
	}

	s.tasks[config.ID] = &taskEntry{
		config: config,
		job:    job,
		status: StatusIdle,
	}

	s.logger.Info().
		Str("id", config.ID).
		Int("intervalMinutes", config.IntervalMinutes).
		Msg("Registered task")
	return nil
}

// Reschedule replaces a task's interval. Used when the interval setting
// changes at runtime.
func (s *Scheduler) Reschedule(taskID string, intervalMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if entry.config.IntervalMinutes == intervalMinutes {
		return nil
	}

	id := taskID
	job, err := s.gocron.Update(
		entry.job.ID(),
		triggerFor(intervalMinutes).jobDefinition(),
		gocron.NewTask(func() { s.executeTask(id) }),
		gocron.WithName(entry.config.Name),
		gocron.WithTags(taskID),
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule task %q: %w", taskID, err)
	}

	entry.job = job
	entry.config.IntervalMinutes = intervalMinutes
	s.logger.Info().Str("id", taskID).Int("intervalMinutes", intervalMinutes).
		Msg("Task rescheduled")
	return nil
}

// executeTask runs one task, guarding against reentry and panics.
func (s *Scheduler) executeTask(taskID string) {
	s.mu.Lock()
	entry, exists := s.tasks[taskID]
	if !exists {
		s.mu.Unlock()
		return
	}
	if entry.status == StatusRunning {
		s.mu.Unlock()
		s.logger.Warn().Str("id", taskID).Msg("Task already running, trigger dropped")
		return
	}
	entry.status = StatusRunning
	startTime := time.Now()
	entry.lastRunAt = &startTime
	s.mu.Unlock()

	s.logger.Info().Str("id", taskID).Str("name", entry.config.Name).Msg("Starting task")

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return entry.config.Func(context.Background())
	}()

	s.mu.Lock()
	if err != nil {
		entry.status = StatusError
		entry.lastError = err.Error()
	} else {
		entry.status = StatusSuccess
		entry.lastError = ""
	}
	s.mu.Unlock()

	duration := time.Since(startTime)
	if err != nil {
		s.logger.Error().Err(err).Str("id", taskID).Dur("duration", duration).Msg("Task failed")
	} else {
		s.logger.Info().Str("id", taskID).Dur("duration", duration).Msg("Task completed")
	}
}

// Start starts the scheduler and fires any RunOnStart tasks.
func (s *Scheduler) Start() {
	s.logger.Info().Msg("Starting scheduler")
	s.gocron.Start()

	s.mu.RLock()
	var startup []string
	for id, entry := range s.tasks {
		if entry.config.RunOnStart {
			startup = append(startup, id)
		}
	}
	s.mu.RUnlock()

	for _, taskID := range startup {
		go s.executeTask(taskID)
	}
}

// Stop shuts the scheduler down gracefully.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("Stopping scheduler")
	return s.gocron.Shutdown()
}

// RunNow triggers a task asynchronously. A trigger for a running task is
// dropped.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	entry, exists := s.tasks[taskID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if entry.status == StatusRunning {
		return fmt.Errorf("task %q is already running", taskID)
	}

	go s.executeTask(taskID)
	return nil
}

func (s *Scheduler) taskInfo(entry *taskEntry) TaskInfo {
	info := TaskInfo{
		ID:              entry.config.ID,
		Name:            entry.config.Name,
		Description:     entry.config.Description,
		IntervalMinutes: entry.config.IntervalMinutes,
		Status:          entry.status,
		LastRunAt:       entry.lastRunAt,
		LastError:       entry.lastError,
	}
	if nextRun, err := entry.job.NextRun(); err == nil && !nextRun.IsZero() {
		info.NextRunAt = &nextRun
	}
	return info
}

// ListTasks returns the state of every registered task.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(s.tasks))
	for _, entry := range s.tasks {
		tasks = append(tasks, s.taskInfo(entry))
	}
	return tasks
}

// GetTask returns the state of one task.
func (s *Scheduler) GetTask(taskID string) (*TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	info := s.taskInfo(entry)
	return &info, nil
}
