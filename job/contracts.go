package job

import (
	"context"
	"io"
	"time"
)

// Store is the durable record of pipeline runs. CompareAndAdvance is the only
// way a job's stage, attempt, error or artifacts change.
type Store interface {
	Create(ctx context.Context, sourceURL string) (*Job, error)
	// Get returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, id string) (*Job, error)
	// CompareAndAdvance applies t atomically, returning ErrConflict when the
	// stored stage or attempt no longer match.
	CompareAndAdvance(ctx context.Context, id string, t Transition) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, error)
	// RequestCancel sets the flag checked by workers at stage boundaries.
	RequestCancel(ctx context.Context, id string) (*Job, error)
	// Delete removes a job and its clip records. Blobs are the caller's concern.
	Delete(ctx context.Context, id string) error
}

// ClipStore is the metadata store for published clips.
type ClipStore interface {
	// SaveClip is idempotent by clip ID: saving an existing clip is a no-op.
	SaveClip(ctx context.Context, c Clip) error
	GetClip(ctx context.Context, id string) (*Clip, error)
	ListClips(ctx context.Context, jobID string) ([]Clip, error)
	IncrementDownloads(ctx context.Context, id string) (*Clip, error)
	CountClips(ctx context.Context) (int, error)
}

// VideoInfo is the source metadata reported by the downloader service.
type VideoInfo struct {
	Title           string
	DurationSeconds float64
	Thumbnail       string
}

type Downloader interface {
	VideoInfo(ctx context.Context, sourceURL string) (VideoInfo, error)
	DownloadURL(ctx context.Context, sourceURL, quality string) (string, error)
	Stream(ctx context.Context, url string) (io.ReadCloser, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

// Analyzer proposes clip candidates. Implementations drop malformed entries
// and return a Malformed error when the payload is unusable as a whole.
type Analyzer interface {
	Candidates(ctx context.Context, transcript string, durationSeconds float64, maxClips int) ([]ClipCandidate, error)
}

// Cutter cuts [start, end) of the source blob into outputKey.
type Cutter interface {
	Cut(ctx context.Context, sourceKey string, start, end float64, outputKey string) error
}

// BlobStore writes are keyed deterministically, so repeated Puts of one key are idempotent.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	URL(key string, ttl time.Duration) (string, error)
}
