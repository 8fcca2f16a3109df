package core

import "MetaLayer/internal/chain"

// blockSequencer enforces contiguous block heights. The host feeds blocks
// in order; a gap or regression means the feed and the state no longer
// agree, which is unrecoverable without a resync.
// Not thread-safe; only the single-threaded replay core touches it.
type blockSequencer struct {
	next    int
	started bool
}

func (s *blockSequencer) validate(height int) error {
	if !s.started {
		s.started = true
		s.next = height + 1
		return nil
	}
	if height != s.next {
		return chain.Faultf("core", "block height %d out of sequence, expected %d", height, s.next)
	}
	s.next++
	return nil
}

// rewind resets the expectation after rolling back to just before height.
func (s *blockSequencer) rewind(height int) {
	s.next = height
}
