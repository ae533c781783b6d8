// Package postgres implements the job and clip stores on PostgreSQL.
// Compare-and-advance is an optimistic UPDATE guarded by (stage, attempt).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"clipper/job"
)

const jobColumns = `id, source_url, title, stage, attempt, cancel_requested, last_error,
	artifacts, result, next_attempt_at, stage_started_at, created_at, updated_at`

const clipColumns = `id, job_id, candidate, blob_key, download_count, created_at`

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type jobRow struct {
	ID              string       `db:"id"`
	SourceURL       string       `db:"source_url"`
	Title           string       `db:"title"`
	Stage           string       `db:"stage"`
	Attempt         int          `db:"attempt"`
	CancelRequested bool         `db:"cancel_requested"`
	LastError       []byte       `db:"last_error"`
	Artifacts       []byte       `db:"artifacts"`
	Result          []byte       `db:"result"`
	NextAttemptAt   sql.NullTime `db:"next_attempt_at"`
	StageStartedAt  time.Time    `db:"stage_started_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		ID:              r.ID,
		SourceURL:       r.SourceURL,
		Title:           r.Title,
		Stage:           job.Stage(r.Stage),
		Attempt:         r.Attempt,
		CancelRequested: r.CancelRequested,
		StageStartedAt:  r.StageStartedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.NextAttemptAt.Valid {
		j.NextAttemptAt = r.NextAttemptAt.Time
	}
	if err := unmarshalNullable(r.LastError, &j.LastError); err != nil {
		return nil, fmt.Errorf("decode last_error of job %s: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.Artifacts, &j.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts of job %s: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.Result, &j.Result); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", r.ID, err)
	}
	return j, nil
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// marshalNullable encodes v, mapping nil pointers to SQL NULL.
func marshalNullable(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) Create(ctx context.Context, sourceURL string) (*job.Job, error) {
	j := job.New(job.NewID(), sourceURL, s.now())

	query := `
		INSERT INTO jobs (id, source_url, stage, attempt, artifacts, stage_started_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, '{}'::jsonb, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query, j.ID, j.SourceURL, string(j.Stage), j.StageStartedAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	return row.toJob()
}

func (s *Store) CompareAndAdvance(ctx context.Context, id string, t job.Transition) (*job.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := next.Apply(t, s.now()); err != nil {
		return nil, err
	}

	lastErr, err := marshalNullable(next.LastError, next.LastError == nil)
	if err != nil {
		return nil, fmt.Errorf("encode last_error: %w", err)
	}
	artifacts, err := json.Marshal(next.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("encode artifacts: %w", err)
	}
	result, err := marshalNullable(next.Result, next.Result == nil)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	query := `
		UPDATE jobs
		SET title = $1,
			stage = $2,
			attempt = $3,
			last_error = $4,
			artifacts = $5,
			result = $6,
			next_attempt_at = $7,
			stage_started_at = $8,
			updated_at = $9
		WHERE id = $10 AND stage = $11 AND attempt = $12
	`
	res, err := s.db.ExecContext(ctx, query,
		next.Title, string(next.Stage), next.Attempt, lastErr, artifacts, result,
		nullTime(next.NextAttemptAt), next.StageStartedAt, next.UpdatedAt,
		id, string(t.From), t.Attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("advance job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advance job %s: %w", id, err)
	}
	if n == 0 {
		return nil, job.ErrConflict
	}
	return next, nil
}

func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Stages) > 0 {
		stages := make([]string, len(f.Stages))
		for i, st := range f.Stages {
			stages[i] = string(st)
		}
		args = append(args, pq.Array(stages))
		where = append(where, fmt.Sprintf("stage = ANY($%d)", len(args)))
	}
	if f.SourceURL != "" {
		args = append(args, f.SourceURL)
		where = append(where, fmt.Sprintf("source_url = $%d", len(args)))
	}
	if !f.UpdatedSince.IsZero() {
		args = append(args, f.UpdatedSince)
		where = append(where, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// RequestCancel sets the cancel flag without touching updated_at, so a job
// whose worker died is still found by the staleness scan on time.
func (s *Store) RequestCancel(ctx context.Context, id string) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE
		WHERE id = $1 AND stage NOT IN ('done', 'failed')
	`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Delete removes the job; its clips go with it through ON DELETE CASCADE.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return nil
}

type clipRow struct {
	ID            string    `db:"id"`
	JobID         string    `db:"job_id"`
	Candidate     []byte    `db:"candidate"`
	BlobKey       string    `db:"blob_key"`
	DownloadCount int64     `db:"download_count"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r clipRow) toClip() (*job.Clip, error) {
	c := &job.Clip{
		ID:            r.ID,
		JobID:         r.JobID,
		BlobKey:       r.BlobKey,
		DownloadCount: r.DownloadCount,
		CreatedAt:     r.CreatedAt,
	}
	if err := json.Unmarshal(r.Candidate, &c.Candidate); err != nil {
		return nil, fmt.Errorf("decode candidate of clip %s: %w", r.ID, err)
	}
	return c, nil
}

func (s *Store) SaveClip(ctx context.Context, c job.Clip) error {
	candidate, err := json.Marshal(c.Candidate)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	query := `
		INSERT INTO clips (id, job_id, candidate, score, blob_key, download_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query, c.ID, c.JobID, candidate, c.Candidate.Score, c.BlobKey, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert clip %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetClip(ctx context.Context, id string) (*job.Clip, error) {
	var row clipRow
	err := s.db.GetContext(ctx, &row, `SELECT `+clipColumns+` FROM clips WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("select clip %s: %w", id, err)
	}
	return row.toClip()
}

func (s *Store) ListClips(ctx context.Context, jobID string) ([]job.Clip, error) {
	var rows []clipRow
	query := `SELECT ` + clipColumns + ` FROM clips WHERE job_id = $1 ORDER BY score DESC`
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("list clips of job %s: %w", jobID, err)
	}
	out := make([]job.Clip, 0, len(rows))
	for _, r := range rows {
		c, err := r.toClip()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) IncrementDownloads(ctx context.Context, id string) (*job.Clip, error) {
	query := `
		UPDATE clips SET download_count = download_count + 1
		WHERE id = $1
		RETURNING ` + clipColumns
	var row clipRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("increment downloads of clip %s: %w", id, err)
	}
	return row.toClip()
}

func (s *Store) CountClips(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM clips`); err != nil {
		return 0, fmt.Errorf("count clips: %w", err)
	}
	return n, nil
}
