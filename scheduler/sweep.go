package scheduler

import (
	"context"
	"errors"
	"fmt"

	"clipper/job"
	"clipper/logger"
)

// ErrStillActive is returned when deleting a job that has not finished.
var ErrStillActive = errors.New("job is still in progress")

// Remover deletes a key and everything beneath it from a blob store.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

type Option func(*Scheduler)

// WithWorkStore enables the sweep of intermediate artifacts left in work by
// finished jobs. Published clips are never touched by the sweep.
func WithWorkStore(work Remover) Option {
	return func(s *Scheduler) { s.work = work }
}

// WithPublicStore lets Delete remove a job's published clips.
func WithPublicStore(public Remover) Option {
	return func(s *Scheduler) { s.public = public }
}

// SweepWork removes the downloaded source and cuts of every finished job last
// updated more than WorkRetention ago. Finished jobs do not change, so each
// scan only covers the window since the previous successful one. It returns
// the number of jobs swept.
func (s *Scheduler) SweepWork(ctx context.Context) (int, error) {
	if s.work == nil || s.cfg.WorkRetention <= 0 {
		return 0, nil
	}
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cutoff := s.now().Add(-s.cfg.WorkRetention)
	jobs, err := s.store.List(ctx, job.Filter{
		Stages:        []job.Stage{job.StageDone, job.StageFailed},
		UpdatedSince:  s.sweptUntil,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list finished jobs: %w", err)
	}

	swept := 0
	for _, j := range jobs {
		if err := s.removeWork(ctx, j.ID); err != nil {
			return swept, err
		}
		swept++
	}
	s.sweptUntil = cutoff
	if swept > 0 {
		s.log.Debug("Swept work artifacts", logger.Int("jobs", swept))
	}
	return swept, nil
}

func (s *Scheduler) removeWork(ctx context.Context, id string) error {
	if s.work == nil {
		return nil
	}
	if err := s.work.Remove(ctx, job.SourceKey(id)); err != nil {
		return err
	}
	return s.work.Remove(ctx, job.CutDir(id))
}

// Delete removes a finished job together with its work artifacts, published
// clips and clip records. Blobs go first, so a failed delete can be retried.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Stage.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrStillActive, id, j.Stage)
	}
	if err := s.removeWork(ctx, id); err != nil {
		return fmt.Errorf("remove work artifacts of job %s: %w", id, err)
	}
	if s.public != nil {
		if err := s.public.Remove(ctx, job.ClipDir(id)); err != nil {
			return fmt.Errorf("remove clips of job %s: %w", id, err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("Job deleted", logger.String("job_id", id))
	return nil
}
