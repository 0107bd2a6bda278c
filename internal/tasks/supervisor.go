// Package tasks supervises review execution: admission control against the
// configured concurrency ceiling, per-task state tracking, a bounded history
// of finished reviews, and coordinated shutdown.
package tasks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/dedup"
	"github.com/diffcritic/internal/metrics"
	"github.com/diffcritic/internal/review"
	"github.com/diffcritic/pkg/models"
)

// DefaultHistorySize bounds the finished-task ring when no override is set.
const DefaultHistorySize = 100

// ErrShuttingDown rejects submissions that arrive after shutdown began.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// TooManyReviewsError rejects a submission once the number of active
// reviews reaches the ceiling. Admission control only; there is no queue
// to wait in.
type TooManyReviewsError struct {
	Active int
	Limit  int
}

func (e *TooManyReviewsError) Error() string {
	return fmt.Sprintf("too many concurrent reviews: %d active, limit %d", e.Active, e.Limit)
}

// AlreadyReviewedError rejects a submission whose head commit is being
// reviewed right now, or was reviewed within the dedup TTL without a force
// override.
type AlreadyReviewedError struct {
	Ref models.MergeRequestRef
	SHA string
}

func (e *AlreadyReviewedError) Error() string {
	return fmt.Sprintf("commit %s of %s already reviewed", e.SHA, e.Ref)
}

// Runner executes one review. *review.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, ref models.MergeRequestRef, opts models.ReviewOptions, progress review.ProgressFunc) (*models.ReviewResult, error)
}

// Supervisor owns the active-task table and the history ring. Every state
// transition happens under one mutex; the lock is never held across a
// blocking call.
type Supervisor struct {
	runner  Runner
	commits *dedup.CommitTracker
	cfg     config.ReviewConfig

	mu         sync.Mutex
	active     map[string]*models.ReviewTask
	cancels    map[string]context.CancelFunc
	history    []*models.ReviewTask
	historyCap int
	closed     bool

	completed int
	failed    int
	cancelled int

	wg      sync.WaitGroup
	started time.Time
}

// NewSupervisor builds a supervisor. commits may be nil when commit
// deduplication is disabled.
func NewSupervisor(runner Runner, commits *dedup.CommitTracker, cfg config.ReviewConfig) *Supervisor {
	return &Supervisor{
		runner:     runner,
		commits:    commits,
		cfg:        cfg,
		active:     make(map[string]*models.ReviewTask),
		cancels:    make(map[string]context.CancelFunc),
		historyCap: DefaultHistorySize,
		started:    time.Now(),
	}
}

// newTaskID renders a fresh 128-bit identifier as 32 hex digits.
func newTaskID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Submit runs the admission checks and, when they pass, starts a worker
// goroutine for the review. At most one review per (ref, commit) is ever in
// flight; a duplicate submission is rejected with AlreadyReviewedError so
// webhook redeliveries never spawn a second review.
func (s *Supervisor) Submit(ref models.MergeRequestRef, opts models.ReviewOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrShuttingDown
	}
	if opts.CommitSHA != "" {
		for id, task := range s.active {
			if task.MRRef == ref && task.CommitSHA == opts.CommitSHA {
				log.Info().
					Str("task_id", id).
					Str("mr", ref.String()).
					Msg("Commit already under review, rejecting duplicate")
				return "", &AlreadyReviewedError{Ref: ref, SHA: opts.CommitSHA}
			}
		}
	}
	if len(s.active) >= s.cfg.MaxConcurrentReviews {
		return "", &TooManyReviewsError{Active: len(s.active), Limit: s.cfg.MaxConcurrentReviews}
	}
	if !opts.Force && opts.CommitSHA != "" && s.commits != nil &&
		s.commits.IsReviewed(ref.ProjectID, ref.MRIID, opts.CommitSHA) {
		return "", &AlreadyReviewedError{Ref: ref, SHA: opts.CommitSHA}
	}

	task := &models.ReviewTask{
		TaskID:    newTaskID(),
		MRRef:     ref,
		CommitSHA: opts.CommitSHA,
		State:     models.TaskPending,
		CreatedAt: time.Now(),
		Message:   "queued",
	}
	s.active[task.TaskID] = task

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[task.TaskID] = cancel

	s.wg.Add(1)
	go s.work(ctx, cancel, task, ref, opts)

	log.Info().
		Str("task_id", task.TaskID).
		Str("mr", ref.String()).
		Str("commit_sha", opts.CommitSHA).
		Bool("force", opts.Force).
		Msg("Review task accepted")
	return task.TaskID, nil
}

func (s *Supervisor) work(ctx context.Context, cancel context.CancelFunc, task *models.ReviewTask, ref models.MergeRequestRef, opts models.ReviewOptions) {
	defer s.wg.Done()
	defer cancel()

	s.update(task, func(t *models.ReviewTask) {
		now := time.Now()
		t.State = models.TaskRunning
		t.StartedAt = &now
		t.Message = "running"
	})
	metrics.ActiveReviews.Inc()
	defer metrics.ActiveReviews.Dec()

	runCtx := ctx
	if s.cfg.Timeout() > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(ctx, s.cfg.Timeout())
		defer timeoutCancel()
	}

	startedAt := time.Now()
	result, err := s.runner.Run(runCtx, ref, opts, func(stage string, fraction float64) {
		s.update(task, func(t *models.ReviewTask) {
			t.Progress = fraction
			t.Message = stage
		})
	})
	elapsed := time.Since(startedAt)

	switch {
	case ctx.Err() != nil:
		// Shutdown cancellation wins even when the run managed to finish.
		metrics.ReviewsTotal.WithLabelValues("cancelled").Inc()
		s.finish(task, func(t *models.ReviewTask) {
			t.State = models.TaskCancelled
			t.Message = "cancelled due to server shutdown"
		})
		log.Info().Str("task_id", task.TaskID).Msg("Review task cancelled")
	case err == nil:
		metrics.ReviewsTotal.WithLabelValues("completed").Inc()
		metrics.ReviewDuration.WithLabelValues("success").Observe(elapsed.Seconds())
		s.finish(task, func(t *models.ReviewTask) {
			t.State = models.TaskCompleted
			t.Progress = 1
			t.Result = result
			t.Message = result.Message
		})
		log.Info().
			Str("task_id", task.TaskID).
			Dur("duration", elapsed).
			Msg("Review task completed")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ReviewsTotal.WithLabelValues("failed").Inc()
		metrics.ReviewDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		s.finish(task, func(t *models.ReviewTask) {
			t.State = models.TaskFailed
			t.Error = fmt.Sprintf("review exceeded timeout of %d seconds", s.cfg.TimeoutSeconds)
		})
		log.Warn().
			Str("task_id", task.TaskID).
			Int("timeout_seconds", s.cfg.TimeoutSeconds).
			Msg("Review task timed out")
	default:
		metrics.ReviewsTotal.WithLabelValues("failed").Inc()
		metrics.ReviewDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		s.finish(task, func(t *models.ReviewTask) {
			t.State = models.TaskFailed
			t.Error = err.Error()
		})
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("Review task failed")
	}
}

// update mutates an active task under the lock. Terminal records are
// immutable, so late progress callbacks are dropped.
func (s *Supervisor) update(task *models.ReviewTask, mutate func(*models.ReviewTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.State.Terminal() {
		return
	}
	mutate(task)
}

// finish applies the terminal transition and moves the record from the
// active table to the history ring, evicting the oldest entry when full.
func (s *Supervisor) finish(task *models.ReviewTask, mutate func(*models.ReviewTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !task.State.Terminal() {
		now := time.Now()
		task.CompletedAt = &now
		mutate(task)
	}
	switch task.State {
	case models.TaskCompleted:
		s.completed++
	case models.TaskFailed:
		s.failed++
	case models.TaskCancelled:
		s.cancelled++
	}

	delete(s.active, task.TaskID)
	delete(s.cancels, task.TaskID)
	s.history = append(s.history, task)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// GetTask returns a snapshot of one task, consulting the active table first
// and then the history ring.
func (s *Supervisor) GetTask(taskID string) (*models.ReviewTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.active[taskID]; ok {
		snap := *task
		return &snap, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskID == taskID {
			snap := *s.history[i]
			return &snap, true
		}
	}
	return nil, false
}

// ListFilter narrows ListTasks output. Zero values match everything; a
// Limit of zero or less means unlimited.
type ListFilter struct {
	State     models.TaskState
	ProjectID string
	Limit     int
}

// ListTasks returns snapshots of matching tasks, active before finished,
// newest first within each group.
func (s *Supervisor) ListTasks(filter ListFilter) []*models.ReviewTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(t *models.ReviewTask) bool {
		if filter.State != "" && t.State != filter.State {
			return false
		}
		if filter.ProjectID != "" && t.MRRef.ProjectID != filter.ProjectID {
			return false
		}
		return true
	}

	activeTasks := make([]*models.ReviewTask, 0, len(s.active))
	for _, t := range s.active {
		activeTasks = append(activeTasks, t)
	}
	sort.Slice(activeTasks, func(i, j int) bool {
		return activeTasks[i].CreatedAt.After(activeTasks[j].CreatedAt)
	})

	var out []*models.ReviewTask
	add := func(t *models.ReviewTask) bool {
		if !match(t) {
			return true
		}
		snap := *t
		out = append(out, &snap)
		return filter.Limit <= 0 || len(out) < filter.Limit
	}
	for _, t := range activeTasks {
		if !add(t) {
			return out
		}
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if !add(s.history[i]) {
			return out
		}
	}
	return out
}

// Stats is the aggregate counter set for the status endpoint. Completed,
// Failed, and Cancelled count since startup, not just what the history
// ring still holds.
type Stats struct {
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Active:    len(s.active),
		Completed: s.completed,
		Failed:    s.failed,
		Cancelled: s.cancelled,
	}
	for _, t := range s.active {
		switch t.State {
		case models.TaskPending:
			stats.Pending++
		case models.TaskRunning:
			stats.Running++
		}
	}
	return stats
}

// Uptime reports how long the supervisor has been accepting tasks.
func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.started)
}

// Shutdown stops admitting tasks, cancels every in-flight review, and
// waits up to grace for workers to move their records to history. Workers
// that outlive the grace period keep winding down in the background.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	inflight := len(s.active)
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	if inflight > 0 {
		log.Info().
			Int("in_flight", inflight).
			Dur("grace", grace).
			Msg("Waiting for in-flight reviews to cancel")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Msg("Shutdown grace period elapsed with reviews still in flight")
	}
}
