package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrSessionNotFound      = errors.New("upload session not found")
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrSizeMismatch         = errors.New("received size does not match declared size")

	ErrDocumentNotFound        = errors.New("document not found")
	ErrRevisionConflict        = errors.New("document revision conflict")
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")
	ErrCacheUnavailable        = errors.New("cache unavailable")

	ErrJobNotFound  = errors.New("job not found")
	ErrJobExists    = errors.New("job already exists")
	ErrJobFinalized = errors.New("job already in terminal state")
)

// IncompleteSessionError is returned when a session is completed before
// every chunk arrived. Missing is sorted ascending.
type IncompleteSessionError struct {
	SessionID string
	Missing   []int
}

func (e *IncompleteSessionError) Error() string {
	return fmt.Sprintf("session %s is incomplete: %d chunk(s) missing", e.SessionID, len(e.Missing))
}

// InvalidArgument wraps ErrInvalidArgument with a reason.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// MissingChunks extracts the missing indices from an incomplete-session error.
func MissingChunks(err error) ([]int, bool) {
	var ie *IncompleteSessionError
	if errors.As(err, &ie) {
		return ie.Missing, true
	}
	return nil, false
}
