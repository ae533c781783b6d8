// Package status projects raw job state into what polling clients see.
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"clipper/job"
	"clipper/metrics"
)

// Client-visible job statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type ClipSummary struct {
	ClipID        string   `json:"clip_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	StartTime     float64  `json:"start_time"`
	EndTime       float64  `json:"end_time"`
	Duration      float64  `json:"duration"`
	Score         float64  `json:"score"`
	Hook          string   `json:"hook,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	DownloadCount int64    `json:"download_count"`
}

type ErrorSummary struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type Summary struct {
	JobID           string        `json:"job_id"`
	Status          string        `json:"status"`
	Stage           string        `json:"stage"`
	Title           string        `json:"title,omitempty"`
	ThumbnailURL    string        `json:"thumbnail_url,omitempty"`
	SourceURL       string        `json:"youtube_url"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	Clips           []ClipSummary `json:"clips"`
	Error           *ErrorSummary `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// StatusOf maps a stage to its coarse client status.
func StatusOf(s job.Stage) string {
	switch s {
	case job.StageDone:
		return StatusCompleted
	case job.StageFailed:
		return StatusFailed
	}
	return StatusProcessing
}

// Project builds the summary for j. Clips come from the clip store when
// given, otherwise from the job's terminal result; they are listed by score,
// highest first.
func Project(j *job.Job, clips []job.Clip) Summary {
	s := Summary{
		JobID:           j.ID,
		Status:          StatusOf(j.Stage),
		Stage:           string(j.Stage),
		Title:           j.Title,
		SourceURL:       j.SourceURL,
		CancelRequested: j.CancelRequested,
		Clips:           []ClipSummary{},
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.Artifacts.Download != nil {
		s.ThumbnailURL = j.Artifacts.Download.ThumbnailURL
	}
	if clips == nil && j.Result != nil {
		clips = j.Result.Clips
	}
	for _, c := range clips {
		s.Clips = append(s.Clips, ClipSummary{
			ClipID:        c.ID,
			Title:         c.Candidate.Title,
			Description:   c.Candidate.Description,
			StartTime:     c.Candidate.StartTime,
			EndTime:       c.Candidate.EndTime,
			Duration:      c.Candidate.Duration(),
			Score:         c.Candidate.Score,
			Hook:          c.Candidate.Hook,
			Tags:          c.Candidate.Tags,
			DownloadCount: c.DownloadCount,
		})
	}
	sort.SliceStable(s.Clips, func(a, b int) bool { return s.Clips[a].Score > s.Clips[b].Score })

	if j.Stage == job.StageFailed && j.LastError != nil {
		s.Error = &ErrorSummary{
			Kind:    string(j.LastError.Kind),
			Stage:   string(j.LastError.Stage),
			Message: j.LastError.Message,
		}
	}
	return s
}

// Service answers status and download queries. It never mutates jobs.
type Service struct {
	jobs    job.Store
	clips   job.ClipStore
	public  job.BlobStore
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewService(jobs job.Store, clips job.ClipStore, public job.BlobStore, ttl time.Duration, m *metrics.Metrics) *Service {
	return &Service{jobs: jobs, clips: clips, public: public, ttl: ttl, metrics: m}
}

// Status returns job.ErrNotFound for unknown jobs.
func (s *Service) Status(ctx context.Context, id string) (Summary, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	var clips []job.Clip
	if j.Stage == job.StageDone {
		// The clip store carries live download counts.
		clips, err = s.clips.ListClips(ctx, id)
		if err != nil {
			return Summary{}, fmt.Errorf("list clips of job %s: %w", id, err)
		}
	}
	return Project(j, clips), nil
}

// List summarizes jobs matching f, newest first.
func (s *Service) List(ctx context.Context, f job.Filter) ([]Summary, error) {
	jobs, err := s.jobs.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Project(j, nil))
	}
	return out, nil
}

// DownloadURL returns a signed link to the clip and counts the download. The
// count only moves once a link has been issued.
func (s *Service) DownloadURL(ctx context.Context, clipID string) (string, error) {
	c, err := s.clips.GetClip(ctx, clipID)
	if err != nil {
		return "", err
	}
	u, err := s.public.URL(c.BlobKey, s.ttl)
	if err != nil {
		return "", fmt.Errorf("sign clip %s: %w", clipID, err)
	}
	if _, err := s.clips.IncrementDownloads(ctx, clipID); err != nil {
		return "", err
	}
	s.metrics.DownloadIssued()
	return u, nil
}

// Stats is the service-wide summary of jobs and clips.
type Stats struct {
	TotalJobs      int `json:"total_jobs"`
	CompletedJobs  int `json:"completed_jobs"`
	FailedJobs     int `json:"failed_jobs"`
	ProcessingJobs int `json:"processing_jobs"`
	TotalClips     int `json:"total_clips"`
	// SuccessRate is the percentage of all jobs that completed.
	SuccessRate float64 `json:"success_rate"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	jobs, err := s.jobs.List(ctx, job.Filter{})
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, j := range jobs {
		switch StatusOf(j.Stage) {
		case StatusCompleted:
			st.CompletedJobs++
		case StatusFailed:
			st.FailedJobs++
		default:
			st.ProcessingJobs++
		}
	}
	st.TotalJobs = len(jobs)
	if st.TotalJobs > 0 {
		st.SuccessRate = float64(st.CompletedJobs) / float64(st.TotalJobs) * 100
	}
	if st.TotalClips, err = s.clips.CountClips(ctx); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// StagesFor maps a client status filter to stages. An unknown status yields false.
func StagesFor(status string) ([]job.Stage, bool) {
	switch status {
	case "":
		return nil, true
	case StatusProcessing:
		return job.ActiveStages(), true
	case StatusCompleted:
		return []job.Stage{job.StageDone}, true
	case StatusFailed:
		return []job.Stage{job.StageFailed}, true
	}
	return nil, false
}
