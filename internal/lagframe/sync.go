package lagframe

import (
	"errors"
	"fmt"
	"io"
)

// Synchronizer finds the train marker in a byte stream, one byte at a time.
//
// On a mismatch the byte is checked again against the longest marker prefix
// that is still possible, so a stray repeat of the first marker byte never
// hides the real marker that follows it.
type Synchronizer struct {
	marker  []byte
	fail    []int
	matched int
}

// NewSynchronizer returns a synchronizer for marker. The marker must not be
// empty.
func NewSynchronizer(marker []byte) *Synchronizer {
	m := append([]byte(nil), marker...)
	fail := make([]int, len(m))
	k := 0
	for i := 1; i < len(m); i++ {
		for k > 0 && m[i] != m[k] {
			k = fail[k-1]
		}
		if m[i] == m[k] {
			k++
		}
		fail[i] = k
	}
	return &Synchronizer{marker: m, fail: fail}
}

// Feed advances the match state by one byte and reports whether the byte
// completed the marker. The state resets once the marker is complete.
func (s *Synchronizer) Feed(b byte) bool {
	for s.matched > 0 && b != s.marker[s.matched] {
		s.matched = s.fail[s.matched-1]
	}
	if b == s.marker[s.matched] {
		s.matched++
	}
	if s.matched == len(s.marker) {
		s.matched = 0
		return true
	}
	return false
}

// MatchCount returns how many marker bytes have been matched so far.
func (s *Synchronizer) MatchCount() int {
	return s.matched
}

// Reset discards any partial match.
func (s *Synchronizer) Reset() {
	s.matched = 0
}

// Sync reads from r until the marker has been matched, returning the number
// of bytes consumed. It gives up with ErrSyncTimeout after maxBytes bytes.
func (s *Synchronizer) Sync(r io.ByteReader, maxBytes int) (int, error) {
	if maxBytes <= 0 {
		return 0, fmt.Errorf("sync budget must be positive, got %d", maxBytes)
	}
	s.Reset()
	for n := 0; n < maxBytes; {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, ErrConnectionLost
			}
			return n, err
		}
		n++
		if s.Feed(b) {
			return n, nil
		}
	}
	return maxBytes, fmt.Errorf("%w: no marker in %d bytes", ErrSyncTimeout, maxBytes)
}
