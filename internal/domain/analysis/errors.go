package analysis

import "errors"

// ErrNotFound indicates a requested run or cache entry does not exist.
var ErrNotFound = errors.New("analysis: not found")

// ErrTranscriptNotFound indicates the upstream call store has no
// transcript for the requested call.
var ErrTranscriptNotFound = errors.New("analysis: transcript not found")

// TransientError marks a failure worth retrying with backoff: network
// timeouts, rate limits, 5xx-equivalent collaborator failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retries cannot fix: missing rubric
// version, malformed input, collaborator authentication failure.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is retryable. Errors carrying neither
// marker are treated as transient so unknown collaborator failures get
// the bounded-retry path rather than failing a dimension outright.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var p *PermanentError
	return !errors.As(err, &p)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
