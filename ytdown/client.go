// Package ytdown is the client for the third-party YouTube download service.
package ytdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clipper/job"
)

const (
	defaultTimeout = 60 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	// maxMetadataBytes caps the JSON bodies read from the service.
	maxMetadataBytes = 1 << 20
)

// Formats maps quality names to the service's format IDs.
var Formats = map[string]string{
	"1080p": "137+140",
	"720p":  "22",
	"480p":  "135+140",
	"360p":  "18",
	"audio": "140",
}

// QualityAudio selects the audio-only format used for transcription.
const QualityAudio = "audio"

type Config struct {
	BaseURL string
	// APIKey and APIHost are sent as X-RapidAPI headers when set.
	APIKey  string
	APIHost string
	// MaxSize bounds a streamed video; 0 disables the check.
	MaxSize int64
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by ctx.
	streamClient *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
}

func (c *Client) VideoInfo(ctx context.Context, sourceURL string) (job.VideoInfo, error) {
	q := url.Values{}
	q.Set("type", "video")
	q.Set("url", sourceURL)

	var body map[string]any
	if err := c.getJSON(ctx, q, &body); err != nil {
		return job.VideoInfo{}, err
	}
	return parseVideoInfo(body)
}

// DownloadURL resolves a direct media URL. Unknown qualities fall back to 720p.
func (c *Client) DownloadURL(ctx context.Context, sourceURL, quality string) (string, error) {
	format, ok := Formats[quality]
	if !ok {
		format = Formats["720p"]
	}
	q := url.Values{}
	q.Set("format_id", format)
	q.Set("type", "video")
	q.Set("url", sourceURL)

	var body map[string]any
	if err := c.getJSON(ctx, q, &body); err != nil {
		return "", err
	}
	for _, obj := range candidates(body) {
		for _, field := range []string{"download_url", "url", "link"} {
			if s, ok := obj[field].(string); ok && s != "" {
				return s, nil
			}
		}
	}
	return "", job.Malformed("download response carries no download_url, url or link", nil)
}

// Stream opens the media at mediaURL. Reading past MaxSize fails with a fatal error.
func (c *Client) Stream(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, http.NoBody)
	if err != nil {
		return nil, job.Fatal("build stream request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, job.Transient("stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode)
	}
	if c.cfg.MaxSize > 0 && resp.ContentLength > c.cfg.MaxSize {
		resp.Body.Close()
		return nil, job.Fatal(fmt.Sprintf("video is %d bytes, limit is %d", resp.ContentLength, c.cfg.MaxSize), nil)
	}
	if c.cfg.MaxSize <= 0 {
		return resp.Body, nil
	}
	return &capped{rc: resp.Body, left: c.cfg.MaxSize}, nil
}

func (c *Client) getJSON(ctx context.Context, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return job.Fatal("build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-RapidAPI-Key", c.cfg.APIKey)
	}
	if c.cfg.APIHost != "" {
		req.Header.Set("X-RapidAPI-Host", c.cfg.APIHost)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return job.Transient("download service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(out); err != nil {
		return job.Malformed("decode download service response", err)
	}
	return nil
}

func statusError(code int) error {
	msg := fmt.Sprintf("download service returned %d", code)
	switch job.KindForStatus(code) {
	case job.KindTransient:
		return job.Transient(msg, nil)
	case job.KindFatal:
		return job.Fatal(msg, nil)
	default:
		return job.Malformed(msg, nil)
	}
}

// candidates returns the top-level object followed by any "data" or
// "result" envelope the service wraps its payload in.
func candidates(body map[string]any) []map[string]any {
	out := []map[string]any{body}
	for _, k := range []string{"data", "result"} {
		if inner, ok := body[k].(map[string]any); ok {
			out = append(out, inner)
		}
	}
	return out
}

func parseVideoInfo(body map[string]any) (job.VideoInfo, error) {
	var info job.VideoInfo
	for _, obj := range candidates(body) {
		if info.Title == "" {
			info.Title, _ = obj["title"].(string)
		}
		if info.Thumbnail == "" {
			info.Thumbnail, _ = obj["thumbnail"].(string)
		}
		if info.DurationSeconds == 0 {
			d, err := parseDuration(obj["duration"])
			if err != nil {
				return job.VideoInfo{}, job.Malformed("decode video duration", err)
			}
			info.DurationSeconds = d
		}
	}
	if info.DurationSeconds <= 0 {
		return job.VideoInfo{}, job.Malformed("video info carries no duration", nil)
	}
	return info, nil
}

// parseDuration accepts seconds as a number or numeric string, or a
// "[HH:]MM:SS" clock string. A missing value yields 0.
func parseDuration(v any) (float64, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return d, nil
	case string:
		if d == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(d, 64); err == nil {
			return f, nil
		}
		parts := strings.Split(d, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("unrecognized duration %q", d)
		}
		var total float64
		for _, p := range parts {
			n, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0, fmt.Errorf("unrecognized duration %q", d)
			}
			total = total*60 + n
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unexpected duration type %T", v)
	}
}

var errTooLarge = errors.New("video exceeds the download size limit")

type capped struct {
	rc   io.ReadCloser
	left int64
}

func (c *capped) Read(p []byte) (int, error) {
	if c.left <= 0 {
		// Probe for one more byte to tell an exact fit from an overflow.
		var one [1]byte
		n, err := c.rc.Read(one[:])
		if n > 0 {
			return 0, job.Fatal("", errTooLarge)
		}
		return 0, err
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.rc.Read(p)
	c.left -= int64(n)
	return n, err
}

func (c *capped) Close() error { return c.rc.Close() }
