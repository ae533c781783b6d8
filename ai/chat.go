package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clipper/job"
)

const (
	chatTimeout = 90 * time.Second
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxReply    = 4 << 20
)

// Gemini answer modes accepted by the "system" query parameter.
const (
	ModeThinking = "thinking"
	ModeCreative = "creative"
	ModePrecise  = "precise"
)

// ChatCompleter calls a GET-style chat endpoint. The prompt travels in one
// query parameter next to a fixed set of others, e.g. {base}?model=..&prompt=..
type ChatCompleter struct {
	baseURL    string
	promptKey  string
	params     url.Values
	httpClient *http.Client
}

func NewChatCompleter(baseURL, model string) *ChatCompleter {
	return &ChatCompleter{
		baseURL:    baseURL,
		promptKey:  "prompt",
		params:     url.Values{"model": {model}},
		httpClient: &http.Client{Timeout: chatTimeout},
	}
}

// NewGeminiCompleter calls {base}?message=..&system=mode. An empty mode means thinking.
func NewGeminiCompleter(baseURL, mode string) *ChatCompleter {
	if mode == "" {
		mode = ModeThinking
	}
	return &ChatCompleter{
		baseURL:    baseURL,
		promptKey:  "message",
		params:     url.Values{"system": {mode}},
		httpClient: &http.Client{Timeout: chatTimeout},
	}
}

func (c *ChatCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	q := url.Values{}
	for k, v := range c.params {
		q[k] = v
	}
	q.Set(c.promptKey, prompt)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return "", job.Fatal("build chat request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", job.Transient("chat service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("chat service", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReply)).Decode(&body); err != nil {
		return "", job.Malformed("decode chat reply", err)
	}
	for _, field := range []string{"response", "text", "message", "content"} {
		if s, ok := body[field].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", job.Malformed("chat reply carries no response, text, message or content", nil)
}

func statusError(service string, code int) error {
	msg := fmt.Sprintf("%s returned %d", service, code)
	switch job.KindForStatus(code) {
	case job.KindTransient:
		return job.Transient(msg, nil)
	case job.KindFatal:
		return job.Fatal(msg, nil)
	default:
		return job.Malformed(msg, nil)
	}
}
