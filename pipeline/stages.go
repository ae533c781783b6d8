package pipeline

import (
	"context"
	"fmt"

	"clipper/job"
	"clipper/logger"
)

// download stores the source video under its deterministic key. A source
// already present from an earlier attempt is reused, not fetched again.
func (m *Machine) download(ctx context.Context, j *job.Job, log logger.Logger) (job.Artifact, string, error) {
	callCtx, cancel := m.callContext(ctx, m.cfg.CallTimeout)
	info, err := m.deps.Downloader.VideoInfo(callCtx, j.SourceURL)
	cancel()
	if err != nil {
		return nil, "", err
	}
	if m.cfg.MaxVideoDuration > 0 && info.DurationSeconds > m.cfg.MaxVideoDuration.Seconds() {
		return nil, "", job.Fatal(fmt.Sprintf("video is %.0fs long, limit is %s", info.DurationSeconds, m.cfg.MaxVideoDuration), nil)
	}

	key := job.SourceKey(j.ID)
	art := &job.DownloadArtifact{
		BlobKey:         key,
		Title:           info.Title,
		DurationSeconds: info.DurationSeconds,
		ThumbnailURL:    info.Thumbnail,
	}

	exists, err := m.deps.Work.Exists(ctx, key)
	if err != nil {
		return nil, "", job.Transient("check source blob", err)
	}
	if exists {
		log.Info("Source already stored", logger.String("key", key))
		return art, info.Title, nil
	}

	callCtx, cancel = m.callContext(ctx, m.cfg.CallTimeout)
	mediaURL, err := m.deps.Downloader.DownloadURL(callCtx, j.SourceURL, m.cfg.DownloadQuality)
	cancel()
	if err != nil {
		return nil, "", err
	}

	streamCtx, cancel := m.callContext(ctx, m.cfg.DownloadTimeout)
	defer cancel()
	body, err := m.deps.Downloader.Stream(streamCtx, mediaURL)
	if err != nil {
		return nil, "", err
	}
	defer body.Close()

	n, err := m.deps.Work.Put(streamCtx, key, body)
	if err != nil {
		if job.Classify(err) == job.KindFatal {
			return nil, "", err
		}
		return nil, "", job.Transient("store source video", err)
	}
	art.SizeBytes = n
	log.Info("Source downloaded", logger.String("key", key), logger.Int64("bytes", n))
	return art, info.Title, nil
}

func (m *Machine) transcribe(ctx context.Context, j *job.Job) (job.Artifact, error) {
	callCtx, cancel := m.callContext(ctx, m.cfg.CallTimeout)
	audioURL, err := m.deps.Downloader.DownloadURL(callCtx, j.SourceURL, audioQuality)
	cancel()
	if err != nil {
		return nil, err
	}

	callCtx, cancel = m.callContext(ctx, m.cfg.CallTimeout)
	defer cancel()
	text, err := m.deps.Transcriber.Transcribe(callCtx, audioURL)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, job.Malformed("empty transcript", nil)
	}
	return &job.TranscriptArtifact{Text: text}, nil
}

func (m *Machine) analyze(ctx context.Context, j *job.Job, log logger.Logger) (job.Artifact, error) {
	if j.Artifacts.Download == nil || j.Artifacts.Transcript == nil {
		return nil, job.Fatal("analysis inputs missing", nil)
	}
	duration := j.Artifacts.Download.DurationSeconds

	callCtx, cancel := m.callContext(ctx, m.cfg.CallTimeout)
	defer cancel()
	cands, err := m.deps.Analyzer.Candidates(callCtx, j.Artifacts.Transcript.Text, duration, m.cfg.Limits.MaxClips)
	if err != nil {
		return nil, err
	}

	valid, dropped := ValidateCandidates(cands, duration, m.cfg.Limits)
	if len(valid) == 0 {
		return nil, job.Malformed(fmt.Sprintf("no valid clip candidates among %d proposed", len(cands)), nil)
	}
	if dropped > 0 {
		log.Warn("Dropped clip candidates", logger.Int("dropped", dropped), logger.Int("kept", len(valid)))
	}
	return &job.AnalysisArtifact{Candidates: valid, Dropped: dropped}, nil
}

// cut produces one clip per candidate. Cuts already present from an earlier
// attempt are reused. A candidate whose cut fails is skipped, except that a
// transient failure retries the stage while the retry budget lasts.
func (m *Machine) cut(ctx context.Context, j *job.Job, log logger.Logger) (job.Artifact, error) {
	if j.Artifacts.Analysis == nil {
		return nil, job.Fatal("cutting input missing", nil)
	}
	sourceKey := job.SourceKey(j.ID)
	art := &job.CutArtifact{}
	var lastErr error

	for i, c := range j.Artifacts.Analysis.Candidates {
		clipID := job.ClipID(j.ID, i)
		key := job.CutKey(j.ID, clipID)

		exists, err := m.deps.Work.Exists(ctx, key)
		if err != nil {
			return nil, job.Transient("check cut blob", err)
		}
		if !exists {
			cutCtx, cancel := m.callContext(ctx, m.cfg.CutTimeout)
			err = m.deps.Cutter.Cut(cutCtx, sourceKey, c.StartTime, c.EndTime, key)
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if err != nil {
			if job.Classify(err).Retryable() && j.Attempt < m.cfg.MaxRetries {
				return nil, err
			}
			log.Warn("Skipping clip candidate", logger.String("clip_id", clipID), logger.Error(err))
			art.Skipped = append(art.Skipped, job.SkippedCandidate{Candidate: c, Reason: err.Error()})
			lastErr = err
			continue
		}
		art.Clips = append(art.Clips, job.CutClip{ClipID: clipID, Candidate: c, BlobKey: key})
	}

	if len(art.Clips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, job.Malformed("no clips produced", nil)
	}
	return art, nil
}

// persist publishes each cut clip and records it. Clips already published or
// recorded by an earlier attempt are not uploaded again.
func (m *Machine) persist(ctx context.Context, j *job.Job, log logger.Logger) (job.Artifact, error) {
	if j.Artifacts.Cuts == nil {
		return nil, job.Fatal("persisting input missing", nil)
	}
	art := &job.PersistArtifact{}

	for _, cc := range j.Artifacts.Cuts.Clips {
		key := job.ClipKey(j.ID, cc.ClipID)
		if err := m.publish(ctx, cc.BlobKey, key); err != nil {
			return nil, err
		}

		clip := job.Clip{
			ID:        cc.ClipID,
			JobID:     j.ID,
			Candidate: cc.Candidate,
			BlobKey:   key,
			CreatedAt: m.now(),
		}
		if err := m.deps.Clips.SaveClip(ctx, clip); err != nil {
			return nil, job.Transient("save clip "+cc.ClipID, err)
		}
		art.Clips = append(art.Clips, clip)
	}
	log.Info("Clips persisted", logger.Int("clips", len(art.Clips)))
	return art, nil
}

func (m *Machine) publish(ctx context.Context, from, to string) error {
	exists, err := m.deps.Public.Exists(ctx, to)
	if err != nil {
		return job.Transient("check published clip", err)
	}
	if exists {
		return nil
	}

	rc, err := m.deps.Work.Open(ctx, from)
	if err != nil {
		return job.Fatal("open cut "+from, err)
	}
	defer rc.Close()

	callCtx, cancel := m.callContext(ctx, m.cfg.CallTimeout)
	defer cancel()
	if _, err := m.deps.Public.Put(callCtx, to, rc); err != nil {
		return job.Transient("publish clip "+to, err)
	}
	return nil
}
