package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipper/job"
	"clipper/store/postgres"
)

var jobCols = []string{
	"id", "source_url", "title", "stage", "attempt", "cancel_requested", "last_error",
	"artifacts", "result", "next_attempt_at", "stage_started_at", "created_at", "updated_at",
}

var clipCols = []string{"id", "job_id", "candidate", "blob_key", "download_count", "created_at"}

func newStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})

	return postgres.New(sqlx.NewDb(mockDB, "postgres")), mock
}

func jobRow(id string, stage job.Stage, attempt int) *sqlmock.Rows {
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(jobCols).AddRow(
		id, "https://youtu.be/abc", "", string(stage), attempt, false, nil,
		[]byte(`{}`), nil, nil, ts, ts, ts,
	)
}

func TestStore_Create(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), "https://youtu.be/abc", "queued", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j, err := s.Create(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.StageQueued, j.Stage)
}

func TestStore_GetNotFound(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobCols))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestStore_GetDecodesJSONColumns(t *testing.T) {
	s, mock := newStore(t)
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM jobs WHERE id").
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			"J1", "https://youtu.be/abc", "Talk", "transcribing", 2, true,
			[]byte(`{"kind":"transient","stage":"transcribing","message":"timeout"}`),
			[]byte(`{"downloading":{"blobKey":"sources/J1.mp4","title":"Talk","durationSeconds":600,"sizeBytes":10}}`),
			nil, ts, ts, ts, ts,
		))

	j, err := s.Get(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StageTranscribing, j.Stage)
	assert.Equal(t, 2, j.Attempt)
	assert.True(t, j.CancelRequested)
	require.NotNil(t, j.LastError)
	assert.Equal(t, job.KindTransient, j.LastError.Kind)
	require.NotNil(t, j.Artifacts.Download)
	assert.Equal(t, 600.0, j.Artifacts.Download.DurationSeconds)
	assert.Equal(t, ts, j.NextAttemptAt)
	assert.Nil(t, j.Result)
}

func TestStore_CompareAndAdvance(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM jobs WHERE id").WithArgs("J1").WillReturnRows(jobRow("J1", job.StageQueued, 0))
	mock.ExpectExec("UPDATE jobs").
		WithArgs(
			"", "downloading", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"J1", "queued", 0,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j, err := s.CompareAndAdvance(context.Background(), "J1", job.Transition{From: job.StageQueued, To: job.StageDownloading})
	require.NoError(t, err)
	assert.Equal(t, job.StageDownloading, j.Stage)
}

func TestStore_CompareAndAdvanceConflict(t *testing.T) {
	s, mock := newStore(t)

	// the row still matches when read, but another worker wins the UPDATE
	mock.ExpectQuery("FROM jobs WHERE id").WithArgs("J1").WillReturnRows(jobRow("J1", job.StageQueued, 0))
	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.CompareAndAdvance(context.Background(), "J1", job.Transition{From: job.StageQueued, To: job.StageDownloading})
	assert.ErrorIs(t, err, job.ErrConflict)
}

func TestStore_CompareAndAdvanceStaleRead(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM jobs WHERE id").WithArgs("J1").WillReturnRows(jobRow("J1", job.StageDownloading, 0))

	_, err := s.CompareAndAdvance(context.Background(), "J1", job.Transition{From: job.StageQueued, To: job.StageDownloading})
	assert.ErrorIs(t, err, job.ErrConflict)
}

func TestStore_List(t *testing.T) {
	s, mock := newStore(t)
	cutoff := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM jobs WHERE stage = ANY").
		WithArgs(sqlmock.AnyArg(), cutoff, 10).
		WillReturnRows(jobRow("J1", job.StageCutting, 1))

	jobs, err := s.List(context.Background(), job.Filter{
		Stages:        []job.Stage{job.StageCutting},
		UpdatedBefore: cutoff,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StageCutting, jobs[0].Stage)
}

func TestStore_RequestCancel(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec("SET cancel_requested = TRUE\\s+WHERE id").WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM jobs WHERE id").WithArgs("J1").WillReturnRows(
		sqlmock.NewRows(jobCols).AddRow("J1", "u", "", "cutting", 0, true, nil, []byte(`{}`), nil, nil,
			time.Now(), time.Now(), time.Now()),
	)

	j, err := s.RequestCancel(context.Background(), "J1")
	require.NoError(t, err)
	assert.True(t, j.CancelRequested)
}

func TestStore_SaveClipIsIdempotentInsert(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec("INSERT INTO clips").
		WithArgs("c1", "J1", sqlmock.AnyArg(), 0.95, "J1/c1.mp4", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveClip(context.Background(), job.Clip{
		ID:        "c1",
		JobID:     "J1",
		BlobKey:   "J1/c1.mp4",
		Candidate: job.ClipCandidate{StartTime: 10, EndTime: 40, Title: "Hook", Score: 0.95},
	})
	require.NoError(t, err)
}

func TestStore_IncrementDownloads(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("UPDATE clips SET download_count").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(clipCols).AddRow(
			"c1", "J1", []byte(`{"start_time":10,"end_time":40,"title":"Hook","description":"","score":0.95}`),
			"J1/c1.mp4", 3, time.Now(),
		))

	c, err := s.IncrementDownloads(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.DownloadCount)
	assert.Equal(t, "Hook", c.Candidate.Title)

	mock.ExpectQuery("UPDATE clips SET download_count").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(clipCols))

	_, err = s.IncrementDownloads(context.Background(), "nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestStore_ListClips(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM clips WHERE job_id").
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(clipCols).
			AddRow("c2", "J1", []byte(`{"score":0.9}`), "J1/c2.mp4", 0, time.Now()).
			AddRow("c1", "J1", []byte(`{"score":0.4}`), "J1/c1.mp4", 1, time.Now()))

	clips, err := s.ListClips(context.Background(), "J1")
	require.NoError(t, err)
	require.Len(t, clips, 2)
	assert.Equal(t, "c2", clips[0].ID)
}

func TestStore_ListBySourceURLSince(t *testing.T) {
	s, mock := newStore(t)
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM jobs WHERE source_url = \$1 AND updated_at >= \$2`).
		WithArgs("https://youtu.be/abc", since).
		WillReturnRows(jobRow("J1", job.StageDone, 0))

	jobs, err := s.List(context.Background(), job.Filter{SourceURL: "https://youtu.be/abc", UpdatedSince: since})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J1", jobs[0].ID)
}

func TestStore_Delete(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec("DELETE FROM jobs WHERE id").WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM jobs WHERE id").WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Delete(context.Background(), "J1"))
	assert.ErrorIs(t, s.Delete(context.Background(), "missing"), job.ErrNotFound)
}

func TestStore_CountClips(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM clips`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountClips(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
