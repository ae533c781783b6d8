package status

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipper/job"
	"clipper/store/memory"
)

type fakeBlob struct{ signErr error }

func (fakeBlob) Put(ctx context.Context, key string, r io.Reader) (int64, error) { return 0, nil }
func (fakeBlob) Exists(ctx context.Context, key string) (bool, error)            { return true, nil }
func (fakeBlob) Open(ctx context.Context, key string) (io.ReadCloser, error)     { return nil, nil }
func (f fakeBlob) URL(key string, ttl time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://files.example.com/" + key + "?ttl=" + ttl.String(), nil
}

func TestStatusOf(t *testing.T) {
	for _, s := range job.ActiveStages() {
		assert.Equal(t, StatusProcessing, StatusOf(s))
	}
	assert.Equal(t, StatusCompleted, StatusOf(job.StageDone))
	assert.Equal(t, StatusFailed, StatusOf(job.StageFailed))
}

func TestProject(t *testing.T) {
	j := &job.Job{ID: "J1", SourceURL: "u", Title: "Talk", Stage: job.StageDone,
		Artifacts: job.Artifacts{Download: &job.DownloadArtifact{ThumbnailURL: "https://i.ytimg.com/vi/abc/hq.jpg"}},
		Result: &job.Result{Stage: job.StageDone, Clips: []job.Clip{
			{ID: "a", Candidate: job.ClipCandidate{StartTime: 0, EndTime: 30, Title: "low", Score: 0.4}},
			{ID: "b", Candidate: job.ClipCandidate{StartTime: 40, EndTime: 60, Title: "high", Score: 0.95}},
			{ID: "c", Candidate: job.ClipCandidate{StartTime: 70, EndTime: 90, Title: "mid", Score: 0.88}},
		}}}

	s := Project(j, nil)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "Talk", s.Title)
	assert.Equal(t, "https://i.ytimg.com/vi/abc/hq.jpg", s.ThumbnailURL)
	require.Len(t, s.Clips, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{s.Clips[0].ClipID, s.Clips[1].ClipID, s.Clips[2].ClipID})
	assert.Equal(t, 20.0, s.Clips[0].Duration)
	assert.Nil(t, s.Error)
}

func TestProject_Failed(t *testing.T) {
	j := &job.Job{ID: "J1", Stage: job.StageFailed,
		LastError: &job.JobError{Kind: job.KindMalformed, Stage: job.StageAnalyzing, Message: "no JSON array"}}

	s := Project(j, nil)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Empty(t, s.Clips)
	require.NotNil(t, s.Error)
	assert.Equal(t, "malformed", s.Error.Kind)
	assert.Equal(t, "analyzing", s.Error.Stage)
}

func TestProject_ProcessingHidesRetryError(t *testing.T) {
	j := &job.Job{ID: "J1", Stage: job.StageDownloading, Attempt: 1,
		LastError: &job.JobError{Kind: job.KindTransient, Message: "timeout"}}
	s := Project(j, nil)
	assert.Equal(t, StatusProcessing, s.Status)
	assert.Nil(t, s.Error)
}

func TestService(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewService(store, store, fakeBlob{}, time.Hour, nil)

	j, err := store.Create(ctx, "https://youtu.be/abc")
	require.NoError(t, err)

	s, err := svc.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, s.Status)

	_, err = svc.Status(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)

	require.NoError(t, store.SaveClip(ctx, job.Clip{ID: "c1", JobID: j.ID, BlobKey: j.ID + "/c1.mp4",
		Candidate: job.ClipCandidate{StartTime: 1, EndTime: 20, Title: "t", Score: 0.5}}))

	u, err := svc.DownloadURL(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/"+j.ID+"/c1.mp4?ttl=1h0m0s", u)
	_, err = svc.DownloadURL(ctx, "c1")
	require.NoError(t, err)

	c, err := store.GetClip(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.DownloadCount)

	_, err = svc.DownloadURL(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestService_StatusOfDoneJobUsesLiveCounts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewService(store, store, fakeBlob{}, time.Hour, nil)

	clip := job.Clip{ID: "c1", JobID: "J1", BlobKey: "J1/c1.mp4", Candidate: job.ClipCandidate{StartTime: 1, EndTime: 20, Title: "t", Score: 0.5}}
	store.Put(&job.Job{ID: "J1", Stage: job.StageDone, Result: &job.Result{Stage: job.StageDone, Clips: []job.Clip{clip}}})
	require.NoError(t, store.SaveClip(ctx, clip))
	_, err := store.IncrementDownloads(ctx, "c1")
	require.NoError(t, err)

	s, err := svc.Status(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, s.Clips, 1)
	assert.Equal(t, int64(1), s.Clips[0].DownloadCount)
}

func TestService_DownloadURLSigningFailureDoesNotCount(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewService(store, store, fakeBlob{signErr: errors.New("no signer")}, time.Hour, nil)
	require.NoError(t, store.SaveClip(ctx, job.Clip{ID: "c1", JobID: "J1", BlobKey: "J1/c1.mp4"}))

	_, err := svc.DownloadURL(ctx, "c1")
	require.Error(t, err)

	c, err := store.GetClip(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, c.DownloadCount)
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewService(store, store, fakeBlob{}, time.Hour, nil)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)

	store.Put(&job.Job{ID: "J1", Stage: job.StageDone})
	store.Put(&job.Job{ID: "J2", Stage: job.StageDone})
	store.Put(&job.Job{ID: "J3", Stage: job.StageFailed})
	store.Put(&job.Job{ID: "J4", Stage: job.StageCutting})
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.SaveClip(ctx, job.Clip{ID: id, JobID: "J1"}))
	}

	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		TotalJobs:      4,
		CompletedJobs:  2,
		FailedJobs:     1,
		ProcessingJobs: 1,
		TotalClips:     3,
		SuccessRate:    50,
	}, st)
}

func TestStagesFor(t *testing.T) {
	stages, ok := StagesFor("completed")
	assert.True(t, ok)
	assert.Equal(t, []job.Stage{job.StageDone}, stages)

	stages, ok = StagesFor("")
	assert.True(t, ok)
	assert.Nil(t, stages)

	_, ok = StagesFor("paused")
	assert.False(t, ok)
}
