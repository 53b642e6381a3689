package statechain

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Audit failures beyond the structural ones in verify.go.
var (
	// ErrTailMismatch indicates the store's tail does not match its last entry.
	ErrTailMismatch = errors.New("tail does not match last entry")

	// ErrCheckpoint indicates a checkpoint with a bad signature or one that
	// disagrees with the entry it names.
	ErrCheckpoint = errors.New("invalid checkpoint")

	// ErrCommitment indicates a transition.commit entry whose commitment does not verify.
	ErrCommitment = errors.New("transition commitment does not verify")

	// ErrKeyMismatch indicates an open entry naming a different key than the verifier's.
	ErrKeyMismatch = errors.New("open entry names a different public key")

	// ErrNoKey indicates a commitment was found before any key was known.
	ErrNoKey = errors.New("no public key to verify commitments with")

	// ErrDiscontinuity indicates a transition whose previous state is not the
	// state the chain last recorded.
	ErrDiscontinuity = errors.New("transition does not continue from recorded state")
)

// CommitmentError locates a transition whose commitment failed.
type CommitmentError struct {
	Index   uint64
	Outcome Outcome
}

func (e *CommitmentError) Error() string {
	return fmt.Sprintf("entry %d: %v (%s)", e.Index, ErrCommitment, e.Outcome)
}

func (*CommitmentError) Unwrap() error { return ErrCommitment }

// Report summarizes a successful audit.
type Report struct {
	Entries     int
	Transitions int
	Checkpoints int
	Tail        TailState
}

// Verifier audits a stored chain: hash links, checkpoints and every
// transition commitment. It holds only public material.
type Verifier struct {
	store Store
	pub   ed25519.PublicKey

	// Metrics, when set, counts failed audits.
	Metrics *Metrics
}

// NewVerifier creates a verifier for the chain in store. pub may be nil, in
// which case the key is taken from the chain's first open entry.
func NewVerifier(store Store, pub ed25519.PublicKey) *Verifier {
	return &Verifier{store: store, pub: append(ed25519.PublicKey(nil), pub...)}
}

// VerifyAll checks the entire chain from genesis.
func (v *Verifier) VerifyAll() (Report, error) {
	rep, err := v.verifyAll()
	if err != nil {
		v.Metrics.verifyFailed()
	}
	return rep, err
}

func (v *Verifier) verifyAll() (Report, error) {
	entries, err := collect(v.store, 1)
	if err != nil {
		return Report{}, err
	}
	final, err := VerifyFrom(entries, TailState{})
	if err != nil {
		return Report{}, err
	}
	if err := v.checkTail(final); err != nil {
		return Report{}, err
	}

	a := newAudit(v.pub)
	for _, e := range entries {
		if err := a.visit(e); err != nil {
			return Report{}, err
		}
	}

	cps, err := v.store.Checkpoints()
	if err != nil {
		return Report{}, err
	}
	for _, cp := range cps {
		if err := a.checkCheckpoint(cp, entries); err != nil {
			return Report{}, err
		}
	}

	return Report{Entries: len(entries), Transitions: a.transitions, Checkpoints: len(cps), Tail: final}, nil
}

// VerifyFromCheckpoint checks the entries after cp, trusting cp's signature
// instead of replaying the prefix. The verifier must hold a public key.
func (v *Verifier) VerifyFromCheckpoint(cp Checkpoint) (Report, error) {
	rep, err := v.verifyFromCheckpoint(cp)
	if err != nil {
		v.Metrics.verifyFailed()
	}
	return rep, err
}

func (v *Verifier) verifyFromCheckpoint(cp Checkpoint) (Report, error) {
	if len(v.pub) == 0 {
		return Report{}, ErrNoKey
	}
	if !VerifyCheckpoint(cp, v.pub) {
		return Report{}, fmt.Errorf("checkpoint %d: %w: bad signature", cp.Index, ErrCheckpoint)
	}
	entries, err := collect(v.store, cp.Index+1)
	if err != nil {
		return Report{}, err
	}
	final, err := VerifyFrom(entries, cp.Tail())
	if err != nil {
		return Report{}, err
	}
	if err := v.checkTail(final); err != nil {
		return Report{}, err
	}

	a := newAudit(v.pub)
	for _, e := range entries {
		if err := a.visit(e); err != nil {
			return Report{}, err
		}
	}
	return Report{Entries: len(entries), Transitions: a.transitions, Checkpoints: 1, Tail: final}, nil
}

func (v *Verifier) checkTail(final TailState) error {
	tail, ok, err := v.store.Tail()
	if err != nil {
		return err
	}
	if !ok {
		if final.Index == 0 {
			return nil
		}
		return fmt.Errorf("%w: tail state unavailable", ErrTailMismatch)
	}
	if tail != final {
		return fmt.Errorf("%w: tail %d/%s, last entry %d/%s",
			ErrTailMismatch, tail.Index, tail.Hash, final.Index, final.Hash)
	}
	return nil
}

// audit carries the event-level state of one pass over a chain.
type audit struct {
	pub         ed25519.PublicKey
	state       []float64 // last recorded state, nil when unknown
	transitions int
}

func newAudit(pub ed25519.PublicKey) *audit {
	if len(pub) == 0 {
		pub = nil
	}
	return &audit{pub: pub}
}

func (a *audit) visit(e AuditEntry) error {
	ev, err := DecodeEvent(e)
	if err != nil {
		return fmt.Errorf("entry %d: %w", e.Index, err)
	}
	switch ev := ev.(type) {
	case OpenEvent:
		if a.pub == nil {
			a.pub = append(ed25519.PublicKey(nil), ev.PublicKey...)
		} else if !bytes.Equal(a.pub, ev.PublicKey) {
			return fmt.Errorf("entry %d: %w", e.Index, ErrKeyMismatch)
		}
		a.state = nil
	case TransitionCommitEvent:
		if a.pub == nil {
			return fmt.Errorf("entry %d: %w", e.Index, ErrNoKey)
		}
		if out := Check(ev.Record(), ev.Commitment(), a.pub); out != OutcomeVerified {
			return &CommitmentError{Index: e.Index, Outcome: out}
		}
		if a.state != nil && !equalVec(a.state, ev.PreviousState) {
			return fmt.Errorf("entry %d: %w", e.Index, ErrDiscontinuity)
		}
		a.state = cloneVec(ev.NextState)
		a.transitions++
	case ResetEvent:
		if a.state != nil && !equalVec(a.state, ev.StateBefore) {
			return fmt.Errorf("entry %d: %w", e.Index, ErrDiscontinuity)
		}
		a.state = make([]float64, len(ev.StateBefore))
	}
	return nil
}

func (a *audit) checkCheckpoint(cp Checkpoint, entries []AuditEntry) error {
	if a.pub == nil {
		return fmt.Errorf("checkpoint %d: %w", cp.Index, ErrNoKey)
	}
	if !VerifyCheckpoint(cp, a.pub) {
		return fmt.Errorf("checkpoint %d: %w: bad signature", cp.Index, ErrCheckpoint)
	}
	if cp.Index == 0 || cp.Index > uint64(len(entries)) {
		return fmt.Errorf("checkpoint %d: %w: no such entry", cp.Index, ErrCheckpoint)
	}
	e := entries[cp.Index-1]
	if e.EventHash != cp.Hash || e.Timestamp != cp.Timestamp {
		return fmt.Errorf("checkpoint %d: %w: entry differs", cp.Index, ErrCheckpoint)
	}
	return nil
}
