package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"clipper/job"
)

type mockDownloader struct {
	infoFunc   func(ctx context.Context, sourceURL string) (job.VideoInfo, error)
	urlFunc    func(ctx context.Context, sourceURL, quality string) (string, error)
	streamFunc func(ctx context.Context, url string) (io.ReadCloser, error)
	streams    int
}

func (m *mockDownloader) VideoInfo(ctx context.Context, sourceURL string) (job.VideoInfo, error) {
	if m.infoFunc != nil {
		return m.infoFunc(ctx, sourceURL)
	}
	return job.VideoInfo{Title: "Talk", DurationSeconds: 600, Thumbnail: "https://i.ytimg.com/vi/abc/hq.jpg"}, nil
}

func (m *mockDownloader) DownloadURL(ctx context.Context, sourceURL, quality string) (string, error) {
	if m.urlFunc != nil {
		return m.urlFunc(ctx, sourceURL, quality)
	}
	return "https://cdn.example.com/" + quality, nil
}

func (m *mockDownloader) Stream(ctx context.Context, url string) (io.ReadCloser, error) {
	m.streams++
	if m.streamFunc != nil {
		return m.streamFunc(ctx, url)
	}
	return io.NopCloser(strings.NewReader("video-bytes")), nil
}

type mockTranscriber struct {
	transcribeFunc func(ctx context.Context, audioRef string) (string, error)
}

func (m *mockTranscriber) Transcribe(ctx context.Context, audioRef string) (string, error) {
	if m.transcribeFunc != nil {
		return m.transcribeFunc(ctx, audioRef)
	}
	return "[00:01] hello and welcome", nil
}

type mockAnalyzer struct {
	candidatesFunc func(ctx context.Context, transcript string, duration float64, maxClips int) ([]job.ClipCandidate, error)
	calls          int
}

func (m *mockAnalyzer) Candidates(ctx context.Context, transcript string, duration float64, maxClips int) ([]job.ClipCandidate, error) {
	m.calls++
	if m.candidatesFunc != nil {
		return m.candidatesFunc(ctx, transcript, duration, maxClips)
	}
	return threeCandidates(), nil
}

// mockCutter writes a small blob to the work store for every cut.
type mockCutter struct {
	work    *memBlob
	cutFunc func(ctx context.Context, sourceKey string, start, end float64, outputKey string) error
	mu      sync.Mutex
	cuts    []string
}

func (m *mockCutter) Cut(ctx context.Context, sourceKey string, start, end float64, outputKey string) error {
	m.mu.Lock()
	m.cuts = append(m.cuts, outputKey)
	m.mu.Unlock()
	if m.cutFunc != nil {
		if err := m.cutFunc(ctx, sourceKey, start, end, outputKey); err != nil {
			return err
		}
	}
	_, err := m.work.Put(ctx, outputKey, strings.NewReader(fmt.Sprintf("clip %.1f-%.1f", start, end)))
	return err
}

// memBlob is an in-memory BlobStore that counts writes per key.
type memBlob struct {
	mu   sync.Mutex
	data map[string][]byte
	puts map[string]int
}

func newMemBlob() *memBlob {
	return &memBlob{data: map[string][]byte{}, puts: map[string]int{}}
}

func (b *memBlob) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	b.puts[key]++
	return int64(len(data)), nil
}

func (b *memBlob) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok, nil
}

func (b *memBlob) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.data[key]
	if !ok {
		return nil, job.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlob) URL(key string, ttl time.Duration) (string, error) {
	return "https://files.example.com/" + key, nil
}

func (b *memBlob) putCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts[key]
}

func threeCandidates() []job.ClipCandidate {
	return []job.ClipCandidate{
		{StartTime: 10, EndTime: 45, Title: "Opening hook", Score: 0.95},
		{StartTime: 100, EndTime: 150, Title: "Middle", Score: 0.4},
		{StartTime: 300, EndTime: 340, Title: "Punchline", Score: 0.88},
	}
}

func stringReader(s string) io.Reader {
	return strings.NewReader(s)
}
