// Package redis implements the job and clip stores on Redis. Jobs are JSON
// documents advanced inside WATCH/MULTI transactions, so a concurrent write
// aborts the losing transaction instead of overwriting it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"clipper/job"
)

const (
	defaultPrefix = "clipper"
	// watchAttempts bounds the replays of a WATCH transaction under contention.
	watchAttempts = 5
)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
}

// connectionTimeout is the timeout for verifying the Redis connection.
const connectionTimeout = 5 * time.Second

// NewClient creates a client and verifies the connection.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, prefix: defaultPrefix, now: time.Now}
}

// WithClock replaces the store's time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }

func (s *Store) jobIndexKey() string { return s.prefix + ":jobs" }

func (s *Store) clipKey(id string) string { return s.prefix + ":clip:" + id }

func (s *Store) downloadsKey(id string) string { return s.prefix + ":clip:" + id + ":downloads" }

func (s *Store) clipIndexKey() string { return s.prefix + ":clips" }

func (s *Store) jobClipsKey(jobID string) string {
	return s.prefix + ":job:" + jobID + ":clips"
}

func (s *Store) Create(ctx context.Context, sourceURL string) (*job.Job, error) {
	j := job.New(job.NewID(), sourceURL, s.now())
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	// The document and its index entry are written in one MULTI/EXEC, so a
	// stored job is always visible to List and recovery.
	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		created = p.SetNX(ctx, s.jobKey(j.ID), data, 0)
		p.ZAddNX(ctx, s.jobIndexKey(), redis.Z{Score: float64(j.CreatedAt.UnixNano()), Member: j.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	if !created.Val() {
		return nil, fmt.Errorf("job %s already exists", j.ID)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.load(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, g getter, id string) (*job.Job, error) {
	data, err := g.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// update runs a read-modify-write of one job inside WATCH/MULTI. A write to
// the key by anyone else aborts the transaction; it is then replayed against
// the fresh document, so only mutate decides whether the change conflicts.
func (s *Store) update(ctx context.Context, id string, mutate func(j *job.Job) error) (*job.Job, error) {
	key := s.jobKey(id)

	for i := 0; i < watchAttempts; i++ {
		var out *job.Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			j, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := mutate(j); err != nil {
				return err
			}
			data, err := json.Marshal(j)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			out = j
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update job %s: gave up after %d contended attempts: %w", id, watchAttempts, redis.TxFailedErr)
}

func (s *Store) CompareAndAdvance(ctx context.Context, id string, t job.Transition) (*job.Job, error) {
	return s.update(ctx, id, func(j *job.Job) error {
		return j.Apply(t, s.now())
	})
}

func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.jobIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	var out []*job.Job
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(str), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		if !f.Match(&j) {
			continue
		}
		out = append(out, &j)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// RequestCancel sets the cancel flag. UpdatedAt is left alone so the flag does
// not reset the staleness clock of a job whose worker died.
func (s *Store) RequestCancel(ctx context.Context, id string) (*job.Job, error) {
	return s.update(ctx, id, func(j *job.Job) error {
		if !j.Stage.Terminal() {
			j.CancelRequested = true
		}
		return nil
	})
}

// Delete removes the job document, its index entry and every clip of the job.
func (s *Store) Delete(ctx context.Context, id string) error {
	clipIDs, err := s.rdb.ZRange(ctx, s.jobClipsKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list clips of job %s: %w", id, err)
	}

	var deleted *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, s.jobKey(id))
		p.ZRem(ctx, s.jobIndexKey(), id)
		for _, cid := range clipIDs {
			p.Del(ctx, s.clipKey(cid), s.downloadsKey(cid))
			p.SRem(ctx, s.clipIndexKey(), cid)
		}
		p.Del(ctx, s.jobClipsKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if deleted.Val() == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (s *Store) SaveClip(ctx context.Context, c job.Clip) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.DownloadCount = 0
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode clip: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, s.clipKey(c.ID), data, 0)
		p.ZAdd(ctx, s.jobClipsKey(c.JobID), redis.Z{Score: c.Candidate.Score, Member: c.ID})
		p.SAdd(ctx, s.clipIndexKey(), c.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store clip %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetClip(ctx context.Context, id string) (*job.Clip, error) {
	vals, err := s.rdb.MGet(ctx, s.clipKey(id), s.downloadsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load clip %s: %w", id, err)
	}
	return decodeClip(id, vals[0], vals[1])
}

func decodeClip(id string, doc, downloads any) (*job.Clip, error) {
	str, ok := doc.(string)
	if !ok {
		return nil, job.ErrNotFound
	}
	var c job.Clip
	if err := json.Unmarshal([]byte(str), &c); err != nil {
		return nil, fmt.Errorf("decode clip %s: %w", id, err)
	}
	if n, ok := downloads.(string); ok {
		count, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode download count of clip %s: %w", id, err)
		}
		c.DownloadCount = count
	}
	return &c, nil
}

func (s *Store) ListClips(ctx context.Context, jobID string) ([]job.Clip, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.jobClipsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list clips of job %s: %w", jobID, err)
	}
	out := make([]job.Clip, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClip(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) IncrementDownloads(ctx context.Context, id string) (*job.Clip, error) {
	exists, err := s.rdb.Exists(ctx, s.clipKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check clip %s: %w", id, err)
	}
	if exists == 0 {
		return nil, job.ErrNotFound
	}
	if err := s.rdb.Incr(ctx, s.downloadsKey(id)).Err(); err != nil {
		return nil, fmt.Errorf("increment downloads of clip %s: %w", id, err)
	}
	return s.GetClip(ctx, id)
}

func (s *Store) CountClips(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.clipIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count clips: %w", err)
	}
	return int(n), nil
}
