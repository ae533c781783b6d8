package ytdown

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipper/job"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_DownloadURL(t *testing.T) {
	var gotFormat, gotURL, gotKey string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotFormat = r.URL.Query().Get("format_id")
		gotURL = r.URL.Query().Get("url")
		gotKey = r.Header.Get("X-RapidAPI-Key")
		w.Write([]byte(`{"link":"https://cdn.example.com/v.mp4"}`))
	})
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	u, err := c.DownloadURL(context.Background(), "https://youtu.be/abc", "480p")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v.mp4", u)
	assert.Equal(t, "135+140", gotFormat)
	assert.Equal(t, "https://youtu.be/abc", gotURL)
	assert.Equal(t, "k", gotKey)

	_, err = c.DownloadURL(context.Background(), "https://youtu.be/abc", "8k")
	require.NoError(t, err)
	assert.Equal(t, "22", gotFormat)
}

func TestClient_DownloadURLMissingField(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.DownloadURL(context.Background(), "https://youtu.be/abc", "720p")
	assert.Equal(t, job.KindMalformed, job.Classify(err))
}

func TestClient_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   job.ErrorKind
	}{
		{http.StatusTooManyRequests, job.KindTransient},
		{http.StatusBadGateway, job.KindTransient},
		{http.StatusNotFound, job.KindFatal},
		{http.StatusForbidden, job.KindFatal},
	}
	for _, tc := range cases {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		c := NewClient(Config{BaseURL: srv.URL})
		_, err := c.VideoInfo(context.Background(), "https://youtu.be/abc")
		assert.Equal(t, tc.kind, job.Classify(err), "status %d", tc.status)
	}
}

func TestClient_BadJSONIsMalformed(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	})
	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.VideoInfo(context.Background(), "https://youtu.be/abc")
	assert.Equal(t, job.KindMalformed, job.Classify(err))
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.VideoInfo(context.Background(), "https://youtu.be/abc")
	assert.Equal(t, job.KindTransient, job.Classify(err))
}

func TestParseVideoInfo(t *testing.T) {
	info, err := parseVideoInfo(map[string]any{"title": "Talk", "duration": 600.0})
	require.NoError(t, err)
	assert.Equal(t, "Talk", info.Title)
	assert.Equal(t, 600.0, info.DurationSeconds)

	info, err = parseVideoInfo(map[string]any{"data": map[string]any{"title": "Nested", "duration": "1:02:03"}})
	require.NoError(t, err)
	assert.Equal(t, "Nested", info.Title)
	assert.Equal(t, 3723.0, info.DurationSeconds)

	_, err = parseVideoInfo(map[string]any{"title": "No duration"})
	assert.Equal(t, job.KindMalformed, job.Classify(err))

	_, err = parseVideoInfo(map[string]any{"duration": "soon"})
	assert.Equal(t, job.KindMalformed, job.Classify(err))
}

func TestClient_StreamSizeCap(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	})
	ctx := context.Background()

	c := NewClient(Config{MaxSize: 64})
	rc, err := c.Stream(ctx, srv.URL)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Len(t, data, 64)

	c = NewClient(Config{MaxSize: 10})
	_, err = c.Stream(ctx, srv.URL)
	// Content-Length is known up front, so the request is refused before reading.
	assert.Equal(t, job.KindFatal, job.Classify(err))
}

func TestClient_StreamCapWithoutContentLength(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			w.Write([]byte(strings.Repeat("x", 16)))
			flusher.Flush()
		}
	})
	c := NewClient(Config{MaxSize: 20})
	rc, err := c.Stream(context.Background(), srv.URL)
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.Equal(t, job.KindFatal, job.Classify(err))
}
