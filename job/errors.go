package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("job was advanced by another worker")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// ErrorKind classifies a stage failure and decides the retry policy.
type ErrorKind string

const (
	// KindTransient covers timeouts, rate limits and 5xx responses. Retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindMalformed covers unusable upstream payloads. Fails the stage without retry.
	KindMalformed ErrorKind = "malformed"
	// KindFatal covers bad input and exhausted quotas. Fails the job without retry.
	KindFatal ErrorKind = "fatal"
	// KindCanceled marks a job stopped on user request.
	KindCanceled ErrorKind = "canceled"
)

func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// StageError is an error carrying its classification.
type StageError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func Transient(msg string, err error) error {
	return &StageError{Kind: KindTransient, Message: msg, Err: err}
}

func Malformed(msg string, err error) error {
	return &StageError{Kind: KindMalformed, Message: msg, Err: err}
}

func Fatal(msg string, err error) error {
	return &StageError{Kind: KindFatal, Message: msg, Err: err}
}

// Classify returns the kind of err. Deadline overruns, network timeouts and
// anything unclassified are transient, so they stay bounded by the retry budget.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// KindForStatus maps an upstream HTTP status code to an error kind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == 408, code == 425, code == 429, code >= 500:
		return KindTransient
	case code >= 400:
		return KindFatal
	}
	return KindMalformed
}
