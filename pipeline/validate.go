package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"clipper/job"
)

// Limits bound the candidates accepted from analysis.
type Limits struct {
	MaxClips       int
	MinClipSeconds float64
	// MaxClipSeconds of 0 means no upper bound.
	MaxClipSeconds float64
	MinScore       float64
}

// ValidateCandidates keeps candidates with 0 <= start < end <= duration, a
// score in [0, 1] at or above MinScore, a length within bounds and a
// non-blank title. Survivors are ordered by score descending and capped at
// MaxClips; the second result counts everything discarded.
func ValidateCandidates(cands []job.ClipCandidate, duration float64, l Limits) ([]job.ClipCandidate, int) {
	valid := make([]job.ClipCandidate, 0, len(cands))
	for _, c := range cands {
		if err := checkCandidate(c, duration, l); err != nil {
			continue
		}
		valid = append(valid, c)
	}
	sort.SliceStable(valid, func(i, k int) bool { return valid[i].Score > valid[k].Score })
	if l.MaxClips > 0 && len(valid) > l.MaxClips {
		valid = valid[:l.MaxClips]
	}
	return valid, len(cands) - len(valid)
}

func checkCandidate(c job.ClipCandidate, duration float64, l Limits) error {
	switch {
	case c.StartTime < 0 || c.StartTime >= c.EndTime || c.EndTime > duration:
		return fmt.Errorf("range %.2f-%.2f outside [0, %.2f]", c.StartTime, c.EndTime, duration)
	case c.Score < 0 || c.Score > 1:
		return fmt.Errorf("score %.2f outside [0, 1]", c.Score)
	case c.Score < l.MinScore:
		return fmt.Errorf("score %.2f below %.2f", c.Score, l.MinScore)
	case c.Duration() < l.MinClipSeconds:
		return fmt.Errorf("clip of %.2fs shorter than %.2fs", c.Duration(), l.MinClipSeconds)
	case l.MaxClipSeconds > 0 && c.Duration() > l.MaxClipSeconds:
		return fmt.Errorf("clip of %.2fs longer than %.2fs", c.Duration(), l.MaxClipSeconds)
	case strings.TrimSpace(c.Title) == "":
		return fmt.Errorf("empty title")
	}
	return nil
}
