package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// NewID returns a fresh job ID.
func NewID() string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
}

// clipNamespace scopes deterministic clip IDs.
var clipNamespace = uuid.MustParse("6f1c1d8e-4b8a-4f39-9a51-8c3f2f0f3a2e")

// ClipID derives the clip identity from its job and candidate position, so a
// re-run of Cutting or Persisting addresses the same clip.
func ClipID(jobID string, index int) string {
	return uuid.NewSHA1(clipNamespace, []byte(fmt.Sprintf("%s/%d", jobID, index))).String()
}

// SourceKey is where the downloaded source video lives in the work store.
func SourceKey(jobID string) string {
	return fmt.Sprintf("sources/%s.mp4", jobID)
}

// CutKey is where a cut clip lives in the work store before publishing.
func CutKey(jobID, clipID string) string {
	return fmt.Sprintf("cuts/%s/%s.mp4", jobID, clipID)
}

// ClipKey is the published location of a clip, "<jobID>/<clipID>.mp4".
func ClipKey(jobID, clipID string) string {
	return fmt.Sprintf("%s/%s.mp4", jobID, clipID)
}

// CutDir holds every cut of a job in the work store.
func CutDir(jobID string) string {
	return fmt.Sprintf("cuts/%s", jobID)
}

// ClipDir holds every published clip of a job in the public store.
func ClipDir(jobID string) string {
	return jobID
}
