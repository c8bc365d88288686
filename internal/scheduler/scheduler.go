// Package scheduler dispatches ingestion jobs onto a bounded worker pool with non-blocking
// submit, soft per-job deadlines, and optional Redis-backed dedupe, following the worker
// shape of the teacher's internal/documents.Ingest (bounded goroutines draining a channel)
// and the bounded fan-out idiom of internal/tools/web's errgroup.SetLimit usage.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ragvault/internal/logging"
	"ragvault/internal/observability"
	"ragvault/internal/repository"
)

// ErrBusy is returned by Submit when the queue is full (spec.md §4.11, HTTP 429).
var ErrBusy = errors.New("scheduler: queue full")

// Runner executes one ingestion job. Implemented by *ingestion.Pipeline in production;
// narrowed to an interface here so the scheduler is testable without the full pipeline.
type Runner interface {
	Run(ctx context.Context, req Job) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, req Job) error

func (f RunnerFunc) Run(ctx context.Context, req Job) error { return f(ctx, req) }

// StatusSetter is the narrow repository surface the scheduler needs to mark a timed-out job
// as errored; *repository.Repository satisfies it directly.
type StatusSetter interface {
	SetStatus(ctx context.Context, orgID, documentID string, status repository.Status, errMsg string) error
}

// DedupeStore is a minimal idempotency store, mirroring the teacher's
// internal/orchestrator.DedupeStore shape, used to collapse duplicate submissions of the
// same document within a short window.
type DedupeStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Job is one ingestion task.
type Job struct {
	OrgID         string
	DocumentID    string
	Force         bool
	CorrelationID string
}

func (j Job) dedupeKey() string { return j.OrgID + "/" + j.DocumentID }

// Config tunes the scheduler's bounds.
type Config struct {
	Workers      int
	QueueSize    int
	SoftDeadline time.Duration
	DedupeTTL    time.Duration
}

// DefaultConfig returns sane bounds for a host with the given core count: Workers equals
// cores (at least 1) and QueueSize is 16 per worker. The caller supplies the core count, so
// this package does not import runtime policy decisions.
func DefaultConfig(cores int) Config {
	if cores <= 0 {
		cores = 1
	}
	return Config{
		Workers:      cores,
		QueueSize:    cores * 16,
		SoftDeadline: 10 * time.Minute,
		DedupeTTL:    time.Minute,
	}
}

// Metrics names emitted via observability.Metrics.
const (
	metricQueueDepth = "scheduler_queue_depth"
	metricInFlight   = "scheduler_in_flight"
	metricCompleted  = "scheduler_completed_total"
	metricFailed     = "scheduler_failed_total"
)

// Scheduler is a bounded worker pool dispatching ingestion jobs, each with a soft deadline
// enforced via context cancellation (spec.md §4.11).
type Scheduler struct {
	cfg     Config
	runner  Runner
	repo    StatusSetter
	dedupe  DedupeStore
	metrics observability.Metrics

	queue chan queuedJob

	mu       sync.Mutex
	inFlight int

	group  *errgroup.Group
	cancel context.CancelFunc
}

type queuedJob struct {
	job Job
	ctx context.Context
}

// New constructs a Scheduler. dedupe may be nil to disable deduplication.
func New(cfg Config, runner Runner, repo StatusSetter, dedupe DedupeStore, metrics observability.Metrics) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 10 * time.Minute
	}
	if metrics == nil {
		metrics = observability.NewMockMetrics()
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		repo:    repo,
		dedupe:  dedupe,
		metrics: metrics,
		queue:   make(chan queuedJob, cfg.QueueSize),
	}
}

// Start launches the worker pool. ctx governs the pool's own lifetime; cancelling it stops
// workers after they finish their current job.
func (s *Scheduler) Start(ctx context.Context) {
	poolCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(poolCtx)
	s.group = g
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
}

// Stop cancels the pool and waits for in-flight workers to observe cancellation.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
}

// Submit enqueues a job without blocking on its execution, returning ErrBusy if the queue is
// full (spec.md §4.11). If a dedupe store is configured and a submission for the same
// document arrived within the TTL window, Submit is a no-op that still returns nil — the
// caller already observed AlreadyRunning from the repository layer when it persisted the
// processing transition, so silently dropping a duplicate enqueue is safe.
func (s *Scheduler) Submit(ctx context.Context, job Job) error {
	if s.dedupe != nil {
		key := "ingest:" + job.dedupeKey()
		existing, err := s.dedupe.Get(ctx, key)
		if err == nil && existing != "" {
			return nil
		}
		_ = s.dedupe.Set(ctx, key, "queued", s.cfg.DedupeTTL)
	}

	select {
	case s.queue <- queuedJob{job: job, ctx: ctx}:
		s.metrics.ObserveHistogram(metricQueueDepth, float64(len(s.queue)), nil)
		return nil
	default:
		return ErrBusy
	}
}

func (s *Scheduler) worker(poolCtx context.Context) {
	for {
		select {
		case <-poolCtx.Done():
			return
		case qj, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(poolCtx, qj)
		}
	}
}

func (s *Scheduler) run(poolCtx context.Context, qj queuedJob) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	s.metrics.ObserveHistogram(metricInFlight, float64(s.inFlightCount()), nil)
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		s.metrics.ObserveHistogram(metricInFlight, float64(s.inFlightCount()), nil)
	}()

	jobCtx, cancel := context.WithTimeout(poolCtx, s.cfg.SoftDeadline)
	defer cancel()

	log := logging.ForIngestion(jobCtx, qj.job.OrgID, qj.job.DocumentID, qj.job.CorrelationID)

	err := s.runner.Run(jobCtx, qj.job)
	if err != nil {
		s.metrics.IncCounter(metricFailed, map[string]string{"org": qj.job.OrgID})
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			log.Error().Msg("ingestion job exceeded soft deadline")
			if s.repo != nil {
				_ = s.repo.SetStatus(poolCtx, qj.job.OrgID, qj.job.DocumentID, repository.StatusError, "timeout")
			}
			return
		}
		log.Error().Err(err).Msg("ingestion job failed")
		return
	}
	s.metrics.IncCounter(metricCompleted, map[string]string{"org": qj.job.OrgID})
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
