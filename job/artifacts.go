package job

// Artifacts holds one slot per stage. A slot is filled by the successful
// advance out of that stage and never rewritten.
type Artifacts struct {
	Download   *DownloadArtifact   `json:"downloading,omitempty"`
	Transcript *TranscriptArtifact `json:"transcribing,omitempty"`
	Analysis   *AnalysisArtifact   `json:"analyzing,omitempty"`
	Cuts       *CutArtifact        `json:"cutting,omitempty"`
	Persist    *PersistArtifact    `json:"persisting,omitempty"`
}

// Artifact is the durable output of one stage.
type Artifact interface {
	Stage() Stage
}

type DownloadArtifact struct {
	BlobKey         string  `json:"blobKey"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"durationSeconds"`
	SizeBytes       int64   `json:"sizeBytes"`
	ThumbnailURL    string  `json:"thumbnailUrl,omitempty"`
}

type TranscriptArtifact struct {
	Text string `json:"text"`
}

type AnalysisArtifact struct {
	Candidates []ClipCandidate `json:"candidates"`
	Dropped    int             `json:"dropped"`
}

type CutClip struct {
	ClipID    string        `json:"clipId"`
	Candidate ClipCandidate `json:"candidate"`
	BlobKey   string        `json:"blobKey"`
}

type SkippedCandidate struct {
	Candidate ClipCandidate `json:"candidate"`
	Reason    string        `json:"reason"`
}

type CutArtifact struct {
	Clips   []CutClip          `json:"clips"`
	Skipped []SkippedCandidate `json:"skipped,omitempty"`
}

type PersistArtifact struct {
	Clips []Clip `json:"clips"`
}

func (*DownloadArtifact) Stage() Stage   { return StageDownloading }
func (*TranscriptArtifact) Stage() Stage { return StageTranscribing }
func (*AnalysisArtifact) Stage() Stage   { return StageAnalyzing }
func (*CutArtifact) Stage() Stage        { return StageCutting }
func (*PersistArtifact) Stage() Stage    { return StagePersisting }

// Has reports whether the slot for stage s is filled.
func (a Artifacts) Has(s Stage) bool {
	switch s {
	case StageDownloading:
		return a.Download != nil
	case StageTranscribing:
		return a.Transcript != nil
	case StageAnalyzing:
		return a.Analysis != nil
	case StageCutting:
		return a.Cuts != nil
	case StagePersisting:
		return a.Persist != nil
	}
	return false
}

// set fills the artifact's slot unless it is already filled.
func (a *Artifacts) set(art Artifact) {
	if art == nil || a.Has(art.Stage()) {
		return
	}
	switch v := art.(type) {
	case *DownloadArtifact:
		a.Download = v
	case *TranscriptArtifact:
		a.Transcript = v
	case *AnalysisArtifact:
		a.Analysis = v
	case *CutArtifact:
		a.Cuts = v
	case *PersistArtifact:
		a.Persist = v
	}
}

func (a Artifacts) clone() Artifacts {
	c := a
	if a.Download != nil {
		d := *a.Download
		c.Download = &d
	}
	if a.Transcript != nil {
		t := *a.Transcript
		c.Transcript = &t
	}
	if a.Analysis != nil {
		an := *a.Analysis
		an.Candidates = append([]ClipCandidate(nil), a.Analysis.Candidates...)
		c.Analysis = &an
	}
	if a.Cuts != nil {
		cu := *a.Cuts
		cu.Clips = append([]CutClip(nil), a.Cuts.Clips...)
		cu.Skipped = append([]SkippedCandidate(nil), a.Cuts.Skipped...)
		c.Cuts = &cu
	}
	if a.Persist != nil {
		p := *a.Persist
		p.Clips = append([]Clip(nil), a.Persist.Clips...)
		c.Persist = &p
	}
	return c
}
