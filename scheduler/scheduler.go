// Package scheduler admits jobs and drives them through the pipeline on a
// bounded pool of worker slots, re-driving retries and stale jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"clipper/job"
	"clipper/logger"
	"clipper/metrics"
	"clipper/pipeline"
)

var (
	ErrInvalidURL      = errors.New("source url must be an absolute http(s) url")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrStopped         = errors.New("scheduler stopped")
)

// Stepper executes one stage of a job.
type Stepper interface {
	Step(ctx context.Context, jobID string) (pipeline.Outcome, error)
}

type Config struct {
	MaxConcurrentJobs int
	QueueSize         int
	// RecoverySchedule is a cron spec; descriptors such as "@every 30s" are accepted.
	RecoverySchedule string
	StaleAfter       time.Duration
	// WorkRetention is how long a finished job keeps its work artifacts. Zero keeps them.
	WorkRetention time.Duration
}

type Scheduler struct {
	cfg     Config
	store   job.Store
	stepper Stepper
	log     logger.Logger
	metrics *metrics.Metrics
	work    Remover
	public  Remover
	now     func() time.Time

	sweepMu    sync.Mutex
	sweptUntil time.Time

	queue chan string
	sem   chan struct{}

	// tracked holds jobs queued, running or waiting on a retry timer in this
	// process, so no job is queued twice.
	mu      sync.Mutex
	tracked map[string]bool
	timers  map[string]*time.Timer

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, store job.Store, stepper Stepper, log logger.Logger, m *metrics.Metrics, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{log: log}),
		cron.WithChain(cron.Recover(cronLogger{log: log}), cron.SkipIfStillRunning(cronLogger{log: log})),
	)
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		stepper: stepper,
		log:     log,
		metrics: m,
		now:     time.Now,
		queue:   make(chan string, cfg.QueueSize),
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
		tracked: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
		cron:    c,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker loop, re-drives every non-terminal job and
// schedules the stale-job recovery scan.
func (s *Scheduler) Start() error {
	if s.cfg.RecoverySchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.RecoverySchedule, func() {
			if _, err := s.RecoverStale(s.ctx); err != nil {
				s.log.Error("Recovery scan failed", logger.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("invalid recovery schedule %q: %w", s.cfg.RecoverySchedule, err)
		}
	}

	if s.work != nil && s.cfg.WorkRetention > 0 && s.cfg.RecoverySchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.RecoverySchedule, func() {
			if _, err := s.SweepWork(s.ctx); err != nil {
				s.log.Error("Work sweep failed", logger.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("invalid recovery schedule %q: %w", s.cfg.RecoverySchedule, err)
		}
	}

	s.log.Info("Scheduler started",
		logger.Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs),
		logger.Int("queue_size", s.cfg.QueueSize),
	)
	s.wg.Add(1)
	go s.workerLoop()

	jobs, err := s.store.List(s.ctx, job.Filter{Stages: job.ActiveStages()})
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	if len(jobs) > 0 {
		s.log.Info("Re-driving unfinished jobs", logger.Int("count", len(jobs)))
	}
	// The queue may be smaller than the backlog, so fill it without blocking Start.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		now := s.now()
		for _, j := range jobs {
			// A retry recorded before the restart still waits out its backoff.
			if wait := j.NextAttemptAt.Sub(now); !j.NextAttemptAt.IsZero() && wait > 0 {
				if s.track(j.ID) {
					s.scheduleRetry(j.ID, wait)
				}
				continue
			}
			if !s.enqueue(s.ctx, j.ID) && s.ctx.Err() != nil {
				return
			}
		}
	}()

	s.cron.Start()
	return nil
}

// Stop halts dispatch and waits for in-flight stages to return. Stages see
// their context canceled and abandon without writing.
func (s *Scheduler) Stop() {
	s.log.Info("Stopping scheduler")
	cronCtx := s.cron.Stop()
	s.cancel()

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	<-cronCtx.Done()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Submit records a new job and queues it. When ctx ends before a queue slot
// frees up the job stays queued in the store for the recovery scan.
func (s *Scheduler) Submit(ctx context.Context, sourceURL string) (*job.Job, error) {
	if err := ValidateSourceURL(sourceURL); err != nil {
		return nil, err
	}
	if s.ctx.Err() != nil {
		return nil, ErrStopped
	}
	j, err := s.store.Create(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.JobSubmitted()
	s.log.Info("Job submitted", logger.String("job_id", j.ID), logger.String("source_url", sourceURL))

	if !s.enqueue(ctx, j.ID) {
		s.log.Warn("Job not queued, left for recovery", logger.String("job_id", j.ID))
	}
	return j, nil
}

// Cancel flags a job for cancellation. A job waiting on a retry timer is
// dispatched right away so the flag is observed without waiting out the backoff.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Stage.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, j.Stage)
	}
	j, err = s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("Cancellation requested", logger.String("job_id", id))

	s.mu.Lock()
	t, waiting := s.timers[id]
	if waiting && t.Stop() {
		delete(s.timers, id)
	} else {
		waiting = false
	}
	s.mu.Unlock()
	if waiting {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.requeue(id)
		}()
	}
	return j, nil
}

// RecoverStale queues active jobs untouched for StaleAfter whose retry time
// has passed. It returns the number of jobs queued.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	now := s.now()
	jobs, err := s.store.List(ctx, job.Filter{
		Stages:        job.ActiveStages(),
		UpdatedBefore: now.Add(-s.cfg.StaleAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	recovered := 0
	for _, j := range jobs {
		if !j.NextAttemptAt.IsZero() && j.NextAttemptAt.After(now) {
			continue
		}
		if s.enqueue(ctx, j.ID) {
			recovered++
			s.metrics.JobRecovered()
			s.log.Info("Recovered stale job",
				logger.String("job_id", j.ID),
				logger.String("stage", string(j.Stage)),
				logger.Int("attempt", j.Attempt),
				logger.Time("updated_at", j.UpdatedAt),
			)
		}
	}
	return recovered, nil
}

// ValidateSourceURL accepts absolute http and https URLs with a host.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// enqueue tracks and queues id, blocking while the queue is full. It returns
// false when id is already tracked or ctx ended first.
func (s *Scheduler) enqueue(ctx context.Context, id string) bool {
	if !s.track(id) {
		return false
	}

	select {
	case s.queue <- id:
		s.metrics.SetQueueDepth(len(s.queue))
		return true
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.untrack(id)
	return false
}

// requeue queues an already tracked job.
func (s *Scheduler) requeue(id string) {
	select {
	case s.queue <- id:
		s.metrics.SetQueueDepth(len(s.queue))
	case <-s.ctx.Done():
		s.untrack(id)
	}
}

// track marks id as owned by this process. It reports false when it already was.
func (s *Scheduler) track(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked[id] {
		return false
	}
	s.tracked[id] = true
	return true
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.tracked, id)
	s.mu.Unlock()
}

// workerLoop pulls jobs from the queue and runs each in a worker slot.
func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("Worker loop shutting down")
			return
		case id := <-s.queue:
			s.metrics.SetQueueDepth(len(s.queue))
			// Wait for a free processing slot
			select {
			case s.sem <- struct{}{}:
			case <-s.ctx.Done():
				s.untrack(id)
				return
			}
			s.wg.Add(1)
			go func(id string) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.drive(id)
			}(id)
		}
	}
}

// drive steps a job until it is terminal, conflicts, waits on a retry or fails
// to step.
func (s *Scheduler) drive(id string) {
	s.metrics.WorkerStarted()
	defer s.metrics.WorkerFinished()

	for {
		out, err := s.stepper.Step(s.ctx, id)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Error("Step failed, leaving job for recovery", logger.String("job_id", id), logger.Error(err))
			}
			s.untrack(id)
			return
		}
		switch {
		case out.Terminal, out.Conflict:
			s.untrack(id)
			return
		case out.Retry:
			s.scheduleRetry(id, out.RetryAfter)
			return
		}
	}
}

func (s *Scheduler) scheduleRetry(id string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		delete(s.tracked, id)
		return
	}
	s.timers[id] = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.requeue(id)
	})
}
