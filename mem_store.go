package statechain

import (
	"fmt"
	"sync"
)

// memStore keeps the chain in memory. Useful for tests and for callers that
// persist entries themselves after Append returns.
type memStore struct {
	mu          sync.RWMutex
	entries     []AuditEntry
	checkpoints []Checkpoint
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{}
}

func (s *memStore) Append(e AuditEntry, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := s.tailLocked()
	if e.PrevHash != tail.Hash || e.Index != tail.Index+1 {
		return fmt.Errorf("%w: have %d/%s, got %d/%s", ErrStaleTail, tail.Index, tail.Hash, e.Index, e.PrevHash)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	s.entries = append(s.entries, e)
	if cp != nil {
		c := *cp
		c.Signature = append([]byte(nil), cp.Signature...)
		s.checkpoints = append(s.checkpoints, c)
	}
	return nil
}

func (s *memStore) tailLocked() TailState {
	if len(s.entries) == 0 {
		return TailState{}
	}
	last := s.entries[len(s.entries)-1]
	return TailState{Index: last.Index, Hash: last.EventHash}
}

func (s *memStore) Iter(startIdx uint64) (<-chan AuditEntry, func() error, error) {
	s.mu.RLock()
	snapshot := make([]AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Index >= startIdx {
			e.Payload = append([]byte(nil), e.Payload...)
			snapshot = append(snapshot, e)
		}
	}
	s.mu.RUnlock()

	out, done := streamEntries(func(send func(AuditEntry) bool) error {
		for _, e := range snapshot {
			if !send(e) {
				return nil
			}
		}
		return nil
	})
	return out, done, nil
}

func (s *memStore) Tail() (TailState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tailLocked(), len(s.entries) > 0, nil
}

func (s *memStore) CheckpointAt(i uint64) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cp := range s.checkpoints {
		if cp.Index == i {
			return cp, true, nil
		}
	}
	return Checkpoint{}, false, nil
}

func (s *memStore) Checkpoints() ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Checkpoint(nil), s.checkpoints...), nil
}

func (*memStore) Close() error { return nil }
