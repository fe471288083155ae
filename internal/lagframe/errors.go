package lagframe

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteFrame is returned when fewer bytes than one full frame
	// are available.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrUnrecognizedBaseline is returned for a frame whose header does not
	// identify a known baseline.
	ErrUnrecognizedBaseline = errors.New("unrecognized baseline")
	// ErrConnectionLost is returned when the underlying link reports EOF or
	// a disconnect.
	ErrConnectionLost = errors.New("connection lost")
	// ErrReadTimeout is returned when a blocking read made no progress
	// within the configured timeout.
	ErrReadTimeout = errors.New("read timeout")
	// ErrSyncTimeout is returned when the train marker was not found within
	// the configured byte budget.
	ErrSyncTimeout = errors.New("sync timeout")
	// ErrMarkerMismatch is returned when a train read did not start with the
	// train marker, meaning the stream drifted out of alignment.
	ErrMarkerMismatch = errors.New("train marker mismatch")
)

// HeaderError describes a rejected frame header.
type HeaderError struct {
	Header [HeaderBytes]byte
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("unrecognised packet: % x", e.Header[:])
}

// Unwrap lets errors.Is match ErrUnrecognizedBaseline.
func (e *HeaderError) Unwrap() error {
	return ErrUnrecognizedBaseline
}

func newHeaderError(buf []byte) *HeaderError {
	e := &HeaderError{}
	copy(e.Header[:], buf)
	return e
}

// IsTransport reports whether err is a link-level failure that should
// trigger a reconnect.
func IsTransport(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrReadTimeout) ||
		errors.Is(err, ErrSyncTimeout)
}
