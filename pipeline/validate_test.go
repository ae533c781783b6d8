package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clipper/job"
)

func TestValidateCandidates(t *testing.T) {
	limits := Limits{MaxClips: 2, MinClipSeconds: 5, MaxClipSeconds: 60, MinScore: 0.3}
	cands := []job.ClipCandidate{
		{StartTime: 0, EndTime: 30, Title: "ok low", Score: 0.5},
		{StartTime: 40, EndTime: 70, Title: "ok high", Score: 0.9},
		{StartTime: 80, EndTime: 110, Title: "ok mid", Score: 0.7},
		{StartTime: -1, EndTime: 30, Title: "negative start", Score: 0.9},
		{StartTime: 100, EndTime: 620, Title: "past end", Score: 0.9},
		{StartTime: 10, EndTime: 12, Title: "too short", Score: 0.9},
		{StartTime: 10, EndTime: 200, Title: "too long", Score: 0.9},
		{StartTime: 10, EndTime: 40, Title: "bad score", Score: 1.5},
		{StartTime: 10, EndTime: 40, Title: "weak", Score: 0.1},
		{StartTime: 10, EndTime: 40, Title: "  ", Score: 0.9},
	}

	valid, dropped := ValidateCandidates(cands, 600, limits)
	assert.Equal(t, 8, dropped)
	if assert.Len(t, valid, 2) {
		assert.Equal(t, "ok high", valid[0].Title)
		assert.Equal(t, "ok mid", valid[1].Title)
	}
}

func TestValidateCandidates_EndAtDurationIsValid(t *testing.T) {
	valid, dropped := ValidateCandidates([]job.ClipCandidate{
		{StartTime: 570, EndTime: 600, Title: "ending", Score: 0.5},
	}, 600, Limits{})
	assert.Zero(t, dropped)
	assert.Len(t, valid, 1)
}
