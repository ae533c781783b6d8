// Package memory is the in-process reference implementation of the job and clip stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clipper/job"
)

type Store struct {
	mu    sync.Mutex
	jobs  map[string]*job.Job
	clips map[string]*job.Clip
	now   func() time.Time
}

func New() *Store {
	return &Store{
		jobs:  make(map[string]*job.Job),
		clips: make(map[string]*job.Clip),
		now:   time.Now,
	}
}

// WithClock replaces the store's time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Create(ctx context.Context, sourceURL string) (*job.Job, error) {
	j := job.New(job.NewID(), sourceURL, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return j.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) CompareAndAdvance(ctx context.Context, id string, t job.Transition) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	next := stored.Clone()
	if err := next.Apply(t, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if f.Match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	// UpdatedAt is left alone so a crashed job stays stale.
	if !j.Stage.Terminal() {
		j.CancelRequested = true
	}
	return j.Clone(), nil
}

// Put stores j as-is. Used by tests to stage crash scenarios.
func (s *Store) Put(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
}

func (s *Store) SaveClip(ctx context.Context, c job.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clips[c.ID]; ok {
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.clips[c.ID] = &c
	return nil
}

func (s *Store) GetClip(ctx context.Context, id string) (*job.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clips[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListClips(ctx context.Context, jobID string) ([]job.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Clip
	for _, c := range s.clips {
		if c.JobID == jobID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Candidate.Score > out[b].Candidate.Score })
	return out, nil
}

func (s *Store) IncrementDownloads(ctx context.Context, id string) (*job.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clips[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	c.DownloadCount++
	cp := *c
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return job.ErrNotFound
	}
	delete(s.jobs, id)
	for cid, c := range s.clips {
		if c.JobID == id {
			delete(s.clips, cid)
		}
	}
	return nil
}

func (s *Store) CountClips(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips), nil
}
