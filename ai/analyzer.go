package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"clipper/job"
	"clipper/logger"
)

const analyzePrompt = `Analyze this YouTube video transcript and identify the %d most viral moments suitable for short-form content (TikTok/Reels/Shorts).

**Video Information:**
- Total Duration: %.0f seconds
- Target Format: 9:16 vertical video (30-60 seconds each)

**Transcript:**
%s

**Viral Moment Criteria:**
1. Strong hook in first 3 seconds
2. Ideal duration: 30-60 seconds
3. Clear punchline or conclusion
4. Standalone content (no context needed)

**IMPORTANT: Return ONLY a valid JSON array in this exact format:**
` + "```json" + `
[
  {
    "start_time": 10.5,
    "end_time": 45.2,
    "title": "Catchy Hook Title",
    "description": "Why this is viral",
    "score": 0.95,
    "hook": "Opening line that grabs attention",
    "tags": ["motivation", "tips"]
  }
]
` + "```"

// Analyzer turns a transcript into clip candidates through a completer.
type Analyzer struct {
	completer Completer
	log       logger.Logger
}

func NewAnalyzer(c Completer, log logger.Logger) *Analyzer {
	return &Analyzer{completer: c, log: log}
}

func (a *Analyzer) Candidates(ctx context.Context, transcript string, durationSeconds float64, maxClips int) ([]job.ClipCandidate, error) {
	reply, err := a.completer.Complete(ctx, fmt.Sprintf(analyzePrompt, maxClips, durationSeconds, transcript))
	if err != nil {
		return nil, err
	}
	cands, dropped, err := ParseCandidates(reply)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		a.log.Warn("Dropped malformed clip candidates", logger.Int("dropped", dropped), logger.Int("kept", len(cands)))
	}
	return cands, nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// rawCandidate keeps required fields as pointers so absence is detectable.
type rawCandidate struct {
	StartTime   *float64 `json:"start_time"`
	EndTime     *float64 `json:"end_time"`
	Title       *string  `json:"title"`
	Description string   `json:"description"`
	Score       *float64 `json:"score"`
	Hook        string   `json:"hook"`
	Tags        []string `json:"tags"`
}

// ParseCandidates extracts the JSON array from a model reply, which may wrap
// it in a code fence or prose. Elements that do not decode, or lack
// start_time, end_time, title or score, are dropped and counted. A reply
// without a decodable array is a Malformed error.
func ParseCandidates(reply string) ([]job.ClipCandidate, int, error) {
	raw, ok := extractArray(reply)
	if !ok {
		return nil, 0, job.Malformed("analysis reply contains no JSON array", nil)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, 0, job.Malformed("decode analysis array", err)
	}

	out := make([]job.ClipCandidate, 0, len(elems))
	dropped := 0
	for _, e := range elems {
		var rc rawCandidate
		if err := json.Unmarshal(e, &rc); err != nil {
			dropped++
			continue
		}
		if rc.StartTime == nil || rc.EndTime == nil || rc.Title == nil || rc.Score == nil {
			dropped++
			continue
		}
		out = append(out, job.ClipCandidate{
			StartTime:   *rc.StartTime,
			EndTime:     *rc.EndTime,
			Title:       *rc.Title,
			Description: rc.Description,
			Score:       *rc.Score,
			Hook:        rc.Hook,
			Tags:        rc.Tags,
		})
	}
	return out, dropped, nil
}

func extractArray(reply string) (string, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(reply, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "[") && json.Valid([]byte(body)) {
			return body, true
		}
	}
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return reply[start : end+1], true
}
