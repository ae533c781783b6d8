package job

import (
	"fmt"
	"time"
)

// Transition is a compare-and-advance request. It applies only while the
// stored job is still at From with the given Attempt.
//
//   - To == From records a retry: attempt+1, Err kept as lastError.
//   - To == StageFailed fails the job with Err.
//   - To == From.Next() advances and stores Artifact for From.
type Transition struct {
	From     Stage
	Attempt  int
	To       Stage
	Artifact Artifact
	Err      *JobError
	RetryAt  time.Time
	// Title, when set on an advance, is recorded on the job.
	Title string
}

// Apply performs t on j in place. Every store backend funnels mutation
// through here so the transition rules live in one place.
func (j *Job) Apply(t Transition, now time.Time) error {
	if j.Stage != t.From || j.Attempt != t.Attempt {
		return ErrConflict
	}
	if j.Stage.Terminal() {
		return ErrConflict
	}

	switch {
	case t.To == t.From:
		if t.Err == nil {
			return fmt.Errorf("%w: retry of %s without an error", ErrInvalidTransition, t.From)
		}
		j.Attempt++
		j.LastError = stamp(t.Err, t.From, now)
		j.NextAttemptAt = t.RetryAt

	case t.To == StageFailed:
		if t.Err == nil {
			return fmt.Errorf("%w: %s -> failed without an error", ErrInvalidTransition, t.From)
		}
		j.Stage = StageFailed
		j.LastError = stamp(t.Err, t.From, now)
		j.NextAttemptAt = time.Time{}
		j.StageStartedAt = now
		e := *j.LastError
		j.Result = &Result{Stage: StageFailed, Error: &e}

	case t.To != "" && t.To == t.From.Next():
		if t.Artifact != nil && t.Artifact.Stage() != t.From {
			return fmt.Errorf("%w: %s artifact offered while leaving %s", ErrInvalidTransition, t.Artifact.Stage(), t.From)
		}
		j.Artifacts.set(t.Artifact)
		if t.Title != "" {
			j.Title = t.Title
		}
		j.Stage = t.To
		j.Attempt = 0
		j.LastError = nil
		j.NextAttemptAt = time.Time{}
		j.StageStartedAt = now
		if t.To == StageDone {
			r := &Result{Stage: StageDone}
			if j.Artifacts.Persist != nil {
				r.Clips = append([]Clip(nil), j.Artifacts.Persist.Clips...)
			}
			j.Result = r
		}

	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}

	j.UpdatedAt = now
	return nil
}

func stamp(e *JobError, stage Stage, now time.Time) *JobError {
	c := *e
	if c.Stage == "" {
		c.Stage = stage
	}
	if c.At.IsZero() {
		c.At = now
	}
	return &c
}
