// Package pipeline advances jobs through the clipping stages, one stage per
// Step, recording every result through the store's compare-and-advance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clipper/job"
	"clipper/logger"
	"clipper/metrics"
)

// audioQuality is the downloader quality that yields an audio-only stream.
const audioQuality = "audio"

type Config struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	CallTimeout     time.Duration
	CutTimeout      time.Duration
	DownloadTimeout time.Duration
	// MaxVideoDuration of 0 accepts any length.
	MaxVideoDuration time.Duration
	DownloadQuality  string
	Limits           Limits
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Store       job.Store
	Clips       job.ClipStore
	Downloader  job.Downloader
	Transcriber job.Transcriber
	Analyzer    job.Analyzer
	Cutter      job.Cutter
	// Work holds sources and cuts; Public holds published clips.
	Work   job.BlobStore
	Public job.BlobStore
}

type Machine struct {
	cfg     Config
	deps    Deps
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, deps Deps, log logger.Logger, m *metrics.Metrics) *Machine {
	return &Machine{cfg: cfg, deps: deps, log: log, metrics: m, now: time.Now}
}

// Outcome reports what one Step did.
type Outcome struct {
	Job      *job.Job
	Advanced bool
	// Retry is set when the stage failed transiently and a retry was recorded;
	// the job should be dispatched again after RetryAfter.
	Retry      bool
	RetryAfter time.Duration
	// Conflict is set when another worker moved the job first.
	Conflict bool
	Terminal bool
}

// Step executes the job's current stage once. Stage failures are recorded on
// the job, not returned; the error result is reserved for store failures and
// for ctx being canceled, in which case nothing is written.
func (m *Machine) Step(ctx context.Context, jobID string) (Outcome, error) {
	j, err := m.deps.Store.Get(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if j.Stage.Terminal() {
		return Outcome{Job: j, Terminal: true}, nil
	}

	log := m.log.With(logger.String("job_id", j.ID), logger.String("stage", string(j.Stage)), logger.Int("attempt", j.Attempt))
	began := m.now()

	if j.CancelRequested {
		out, err := m.record(ctx, j, job.Transition{
			From:    j.Stage,
			Attempt: j.Attempt,
			To:      job.StageFailed,
			Err:     &job.JobError{Kind: job.KindCanceled, Message: "canceled on request"},
		})
		if err == nil && !out.Conflict {
			log.Info("Job canceled")
			m.metrics.ObserveStage(string(j.Stage), metrics.OutcomeCanceled, m.now().Sub(began))
		}
		return out, err
	}

	art, title, stageErr := m.run(ctx, j, log)
	if ctx.Err() != nil {
		log.Info("Stage abandoned", logger.Error(ctx.Err()))
		return Outcome{Job: j}, ctx.Err()
	}
	elapsed := m.now().Sub(began)

	if stageErr != nil {
		return m.fail(ctx, j, stageErr, elapsed, log)
	}

	out, err := m.record(ctx, j, job.Transition{
		From:     j.Stage,
		Attempt:  j.Attempt,
		To:       j.Stage.Next(),
		Artifact: art,
		Title:    title,
	})
	if err != nil {
		return out, err
	}
	if out.Conflict {
		log.Info("Stage result discarded, job moved on")
		m.metrics.ObserveStage(string(j.Stage), metrics.OutcomeConflict, elapsed)
		return out, nil
	}
	log.Info("Stage completed", logger.String("next", string(out.Job.Stage)), logger.Duration("took", elapsed))
	m.metrics.ObserveStage(string(j.Stage), metrics.OutcomeAdvanced, elapsed)
	return out, nil
}

// fail records a retry or a failure for stageErr.
func (m *Machine) fail(ctx context.Context, j *job.Job, stageErr error, elapsed time.Duration, log logger.Logger) (Outcome, error) {
	kind := job.Classify(stageErr)
	jerr := &job.JobError{Kind: kind, Message: stageErr.Error()}

	if kind.Retryable() && j.Attempt < m.cfg.MaxRetries {
		delay := m.Backoff(j.Attempt)
		out, err := m.record(ctx, j, job.Transition{
			From:    j.Stage,
			Attempt: j.Attempt,
			To:      j.Stage,
			Err:     jerr,
			RetryAt: m.now().Add(delay),
		})
		if err != nil || out.Conflict {
			return out, err
		}
		out.Retry = true
		out.RetryAfter = delay
		log.Warn("Stage failed, retry scheduled", logger.Error(stageErr), logger.Duration("retry_after", delay))
		m.metrics.ObserveStage(string(j.Stage), metrics.OutcomeRetry, elapsed)
		m.metrics.ObserveRetry(string(j.Stage), string(kind))
		return out, nil
	}

	out, err := m.record(ctx, j, job.Transition{
		From:    j.Stage,
		Attempt: j.Attempt,
		To:      job.StageFailed,
		Err:     jerr,
	})
	if err != nil || out.Conflict {
		return out, err
	}
	log.Error("Job failed", logger.Error(stageErr), logger.String("kind", string(kind)))
	m.metrics.ObserveStage(string(j.Stage), metrics.OutcomeFailed, elapsed)
	return out, nil
}

func (m *Machine) record(ctx context.Context, j *job.Job, t job.Transition) (Outcome, error) {
	next, err := m.deps.Store.CompareAndAdvance(ctx, j.ID, t)
	if errors.Is(err, job.ErrConflict) {
		return Outcome{Job: j, Conflict: true}, nil
	}
	if err != nil {
		return Outcome{Job: j}, fmt.Errorf("record %s -> %s for job %s: %w", t.From, t.To, j.ID, err)
	}
	return Outcome{
		Job:      next,
		Advanced: next.Stage != t.From,
		Terminal: next.Stage.Terminal(),
	}, nil
}

// Backoff returns min(BackoffBase * 2^attempt, BackoffCap).
func (m *Machine) Backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < attempt && d < m.cfg.BackoffCap; i++ {
		d *= 2
	}
	if m.cfg.BackoffCap > 0 && d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	return d
}

// run dispatches to the current stage's work. It returns the artifact and,
// for downloading, the video title.
func (m *Machine) run(ctx context.Context, j *job.Job, log logger.Logger) (job.Artifact, string, error) {
	switch j.Stage {
	case job.StageQueued:
		return nil, "", nil
	case job.StageDownloading:
		return m.download(ctx, j, log)
	case job.StageTranscribing:
		art, err := m.transcribe(ctx, j)
		return art, "", err
	case job.StageAnalyzing:
		art, err := m.analyze(ctx, j, log)
		return art, "", err
	case job.StageCutting:
		art, err := m.cut(ctx, j, log)
		return art, "", err
	case job.StagePersisting:
		art, err := m.persist(ctx, j, log)
		return art, "", err
	}
	return nil, "", job.Fatal(fmt.Sprintf("unknown stage %q", j.Stage), nil)
}

func (m *Machine) callContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
