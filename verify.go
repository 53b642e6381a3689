package statechain

import (
	"errors"
	"fmt"
)

// Chain verification failures. VerifyEntries wraps them in a *ChainError.
var (
	// ErrGenesis indicates the first entry does not link to GenesisHash.
	ErrGenesis = errors.New("first entry does not link to genesis")

	// ErrGap indicates missing or non-sequential entries.
	ErrGap = errors.New("gap or reordering detected")

	// ErrBrokenLink indicates an entry whose PrevHash is not its predecessor's hash.
	ErrBrokenLink = errors.New("previous hash does not match preceding entry")

	// ErrHashMismatch indicates an entry whose fields no longer produce its EventHash.
	ErrHashMismatch = errors.New("event hash mismatch: entry altered")
)

// ChainError locates the first failing entry.
type ChainError struct {
	Position int    // offset in the verified slice
	Index    uint64 // entry index as stored
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("entry %d (position %d): %v", e.Index, e.Position, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// VerifyChain reports whether entries form an intact chain from genesis.
// An empty slice is trivially intact.
func VerifyChain(entries []AuditEntry) bool {
	return VerifyEntries(entries) == nil
}

// VerifyEntries is VerifyChain with the reason for failure.
func VerifyEntries(entries []AuditEntry) error {
	_, err := VerifyFrom(entries, TailState{})
	return err
}

// VerifyFrom checks entries that continue the chain after start, which must
// come from a trusted source (genesis or a verified checkpoint). It returns
// the tail after the last entry.
func VerifyFrom(entries []AuditEntry, start TailState) (TailState, error) {
	cur := start
	for i, e := range entries {
		if e.Index != cur.Index+1 {
			return cur, &ChainError{Position: i, Index: e.Index, Err: ErrGap}
		}
		if e.PrevHash != cur.Hash {
			err := ErrBrokenLink
			if cur.Index == 0 {
				err = ErrGenesis
			}
			return cur, &ChainError{Position: i, Index: e.Index, Err: err}
		}
		h := ComputeEventHash(e)
		if !constantTimeEqual(h[:], e.EventHash[:]) {
			return cur, &ChainError{Position: i, Index: e.Index, Err: ErrHashMismatch}
		}
		cur = TailState{Index: e.Index, Hash: e.EventHash}
	}
	return cur, nil
}
