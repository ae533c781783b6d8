package ai

import (
	"context"
	"fmt"
	"strings"

	"clipper/job"
)

const transcribePrompt = `Please transcribe the audio from this URL: %s

Provide a clean, accurate transcription with proper punctuation and formatting.
Include timestamps if possible in format [MM:SS].`

// Transcriber asks a completer to transcribe audio reachable at a URL.
type Transcriber struct {
	completer Completer
}

func NewTranscriber(c Completer) *Transcriber {
	return &Transcriber{completer: c}
}

func (t *Transcriber) Transcribe(ctx context.Context, audioRef string) (string, error) {
	text, err := t.completer.Complete(ctx, fmt.Sprintf(transcribePrompt, audioRef))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", job.Malformed("empty transcript", nil)
	}
	return text, nil
}
