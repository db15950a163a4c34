package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-ai/investigation"
	"sentinel-ai/logger"
	"sentinel-ai/metrics"
)

var (
	// ErrQueueFull rejects a submission when every queue slot is taken.
	ErrQueueFull = errors.New("investigation queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
	ErrPanic     = errors.New("investigation panicked")
)

// RunFunc runs one investigation.
type RunFunc func(ctx context.Context, id, logs string) (*investigation.Result, error)

// Config holds scheduler configuration.
type Config struct {
	MaxConcurrency int
	QueueSize      int
	DefaultTimeout time.Duration
}

// Scheduler runs investigations on a fixed worker pool fed by a bounded
// priority queue. With the default single worker, investigations never
// overlap; callers beyond the queue capacity are turned away.
type Scheduler struct {
	cfg       Config
	run       RunFunc
	log       logger.Logger
	pq        *priorityQueue
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	stopMu    sync.Mutex // guards stopped + pq.close() atomically
	stopped   bool
	running   atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

// New creates a scheduler. Call Start before submitting work.
func New(cfg Config, run RunFunc, log logger.Logger) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		run:    run,
		log:    log,
		pq:     newPriorityQueue(cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines. Call Stop to shut down.
func (s *Scheduler) Start() {
	s.log.Info("scheduler.started",
		logger.Int("max_concurrency", s.cfg.MaxConcurrency),
		logger.Int("queue_size", s.cfg.QueueSize),
	)
	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Do queues an investigation and blocks until it has finished. Higher
// priorities run first. If ctx ends while the task is still queued, the task
// is dropped; if it is already running, the investigation is cancelled and
// its partial result returned.
func (s *Scheduler) Do(ctx context.Context, id, logs string, priority int) (*investigation.Result, error) {
	if id == "" {
		id = investigation.NewID()
	}
	task := &Task{
		ID:        id,
		Logs:      logs,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		ctx:       ctx,
		done:      make(chan struct{}),
	}

	if err := s.enqueue(task); err != nil {
		return nil, err
	}

	select {
	case <-task.done:
		return task.result, task.err
	case <-ctx.Done():
		if s.pq.remove(task) {
			metrics.QueueDepth.Set(float64(s.pq.len()))
			s.cancelled.Add(1)
			s.log.Warn("task.abandoned", logger.String("task_id", task.ID))
			return nil, ctx.Err()
		}
		<-task.done
		return task.result, task.err
	}
}

func (s *Scheduler) enqueue(task *Task) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if !s.pq.push(task) {
		s.rejected.Add(1)
		s.log.Warn("task.rejected",
			logger.String("task_id", task.ID),
			logger.Int("queue_size", s.cfg.QueueSize),
		)
		return fmt.Errorf("%w (capacity: %d)", ErrQueueFull, s.cfg.QueueSize)
	}
	metrics.QueueDepth.Set(float64(s.pq.len()))

	s.log.Info("task.submitted",
		logger.String("task_id", task.ID),
		logger.Int("priority", task.Priority),
		logger.Int("log_bytes", len(task.Logs)),
	)
	return nil
}

// Stop refuses new work, cancels running investigations and waits for the
// workers to exit. Tasks still queued fail with ErrStopped.
func (s *Scheduler) Stop() {
	s.log.Info("scheduler.stopping")

	s.stopMu.Lock()
	s.stopped = true
	s.pq.close()
	s.stopMu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.log.Info("scheduler.stopped")
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	QueueLength    int   `json:"queue_length"`
	QueueSize      int   `json:"queue_size"`
	MaxConcurrency int   `json:"max_concurrency"`
	Running        int32 `json:"running"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Rejected       int64 `json:"rejected"`
	Cancelled      int64 `json:"cancelled"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		QueueLength:    s.pq.len(),
		QueueSize:      s.cfg.QueueSize,
		MaxConcurrency: s.cfg.MaxConcurrency,
		Running:        s.running.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Rejected:       s.rejected.Load(),
		Cancelled:      s.cancelled.Load(),
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		task := s.pq.pop()
		if task == nil {
			return
		}
		metrics.QueueDepth.Set(float64(s.pq.len()))
		s.running.Add(1)
		s.execute(task)
		s.running.Add(-1)
	}
}

func (s *Scheduler) execute(task *Task) {
	defer close(task.done)
	defer func() {
		if r := recover(); r != nil {
			task.Status = StatusFailed
			task.err = fmt.Errorf("%w: %v", ErrPanic, r)
			task.FinishedAt = time.Now()
			s.failed.Add(1)
			s.log.Error("task.panic",
				logger.String("task_id", task.ID),
				logger.Any("panic", r),
			)
		}
	}()

	log := s.log.WithFields(logger.String("task_id", task.ID))

	switch {
	case s.ctx.Err() != nil:
		task.Status = StatusCancelled
		task.err = ErrStopped
		s.cancelled.Add(1)
		return
	case task.ctx.Err() != nil:
		task.Status = StatusCancelled
		task.err = task.ctx.Err()
		s.cancelled.Add(1)
		log.Warn("task.skipped", logger.Err(task.err))
		return
	}

	task.Status = StatusRunning
	task.StartedAt = time.Now()
	log.Info("task.started", logger.Int64("waited_ms", task.StartedAt.Sub(task.CreatedAt).Milliseconds()))

	runCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DefaultTimeout)
	stop := context.AfterFunc(task.ctx, cancel)
	task.result, task.err = s.run(runCtx, task.ID, task.Logs)
	stop()
	cancel()

	task.FinishedAt = time.Now()
	elapsed := task.FinishedAt.Sub(task.StartedAt)
	if task.err != nil {
		task.Status = StatusFailed
		s.failed.Add(1)
		log.Warn("task.failed",
			logger.Duration("duration_ms", elapsed),
			logger.String("kind", investigation.Kind(task.err)),
		)
		return
	}
	task.Status = StatusCompleted
	s.completed.Add(1)
	log.Info("task.completed", logger.Duration("duration_ms", elapsed))
}
