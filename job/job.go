// Package job holds the clipping pipeline's data model and the contracts of
// the collaborators the pipeline drives.
package job

import (
	"time"
)

type Stage string

const (
	StageQueued       Stage = "queued"
	StageDownloading  Stage = "downloading"
	StageTranscribing Stage = "transcribing"
	StageAnalyzing    Stage = "analyzing"
	StageCutting      Stage = "cutting"
	StagePersisting   Stage = "persisting"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

// stageOrder is the fixed forward order. Failed sits outside it.
var stageOrder = []Stage{
	StageQueued,
	StageDownloading,
	StageTranscribing,
	StageAnalyzing,
	StageCutting,
	StagePersisting,
	StageDone,
}

// Order returns the stage's position in the forward order, or -1 for Failed
// and unknown stages.
func (s Stage) Order() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s, or "" when s has no successor.
func (s Stage) Next() Stage {
	i := s.Order()
	if i < 0 || i == len(stageOrder)-1 {
		return ""
	}
	return stageOrder[i+1]
}

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

func (s Stage) Valid() bool {
	return s == StageFailed || s.Order() >= 0
}

// ActiveStages lists every non-terminal stage.
func ActiveStages() []Stage {
	return append([]Stage(nil), stageOrder[:len(stageOrder)-1]...)
}

type Job struct {
	ID              string    `json:"id"`
	SourceURL       string    `json:"sourceUrl"`
	Title           string    `json:"title"`
	Stage           Stage     `json:"stage"`
	Attempt         int       `json:"attempt"`
	CancelRequested bool      `json:"cancelRequested,omitempty"`
	LastError       *JobError `json:"lastError,omitempty"`
	Artifacts       Artifacts `json:"artifacts"`
	Result          *Result   `json:"result,omitempty"`
	NextAttemptAt   time.Time `json:"nextAttemptAt,omitempty"`
	StageStartedAt  time.Time `json:"stageStartedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// New returns a queued job. Stores assign the ID.
func New(id, sourceURL string, now time.Time) *Job {
	return &Job{
		ID:             id,
		SourceURL:      sourceURL,
		Stage:          StageQueued,
		StageStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so stores never hand out shared state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	if j.Result != nil {
		r := *j.Result
		r.Clips = append([]Clip(nil), j.Result.Clips...)
		c.Result = &r
	}
	c.Artifacts = j.Artifacts.clone()
	return &c
}

// JobError is the last recorded failure of a job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Result is set once the job reaches Done or Failed.
type Result struct {
	Stage Stage     `json:"stage"`
	Clips []Clip    `json:"clips,omitempty"`
	Error *JobError `json:"error,omitempty"`
}

// ClipCandidate is one AI-proposed segment, in seconds of the source video.
type ClipCandidate struct {
	StartTime   float64  `json:"start_time"`
	EndTime     float64  `json:"end_time"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Score       float64  `json:"score"`
	Hook        string   `json:"hook,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (c ClipCandidate) Duration() float64 {
	return c.EndTime - c.StartTime
}

// Clip is a finished, published output.
type Clip struct {
	ID            string        `json:"id"`
	JobID         string        `json:"jobId"`
	Candidate     ClipCandidate `json:"candidate"`
	BlobKey       string        `json:"blobKey"`
	DownloadCount int64         `json:"downloadCount"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	Stages    []Stage
	SourceURL string
	// UpdatedSince is inclusive, UpdatedBefore exclusive.
	UpdatedSince  time.Time
	UpdatedBefore time.Time
	Limit         int
}

func (f Filter) Match(j *Job) bool {
	if len(f.Stages) > 0 {
		found := false
		for _, s := range f.Stages {
			if j.Stage == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SourceURL != "" && j.SourceURL != f.SourceURL {
		return false
	}
	if !f.UpdatedSince.IsZero() && j.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
