package statechain

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrRecorderClosed is returned when using a recorder after Close.
var ErrRecorderClosed = errors.New("recorder has been closed")

// ErrRecorderNotOpen is returned when recording before Open.
var ErrRecorderNotOpen = errors.New("recorder has not been opened")

// RecorderState tracks the open/close lifecycle of a recording.
type RecorderState int

const (
	// RecorderNew means Open has not been called yet.
	RecorderNew RecorderState = iota
	// RecorderOpen means transitions are being recorded.
	RecorderOpen
	// RecorderClosed means the close entry was written; nothing more can be appended.
	RecorderClosed
)

func (s RecorderState) String() string {
	switch s {
	case RecorderNew:
		return "new"
	case RecorderOpen:
		return "open"
	default:
		return "closed"
	}
}

// RecorderConfig wires optional collaborators.
type RecorderConfig struct {
	Logger  *slog.Logger // defaults to slog.Default()
	Metrics *Metrics
}

// Step is everything one Submit produced.
type Step struct {
	Record     TransitionRecord
	Commitment Commitment
	Entry      AuditEntry
}

// Recorder ties a Model to a Chain: every transition is committed and
// appended as a transition.commit entry before Submit returns. The recorder
// should be the only caller of Transition and Reset on its model.
type Recorder struct {
	mu          sync.Mutex
	model       *Model
	chain       *Chain
	log         *slog.Logger
	metrics     *Metrics
	state       RecorderState
	transitions uint64
}

// NewRecorder creates a recorder in the RecorderNew state.
func NewRecorder(model *Model, chain *Chain, cfg RecorderConfig) (*Recorder, error) {
	if model == nil || chain == nil {
		return nil, errors.New("recorder: model and chain are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{model: model, chain: chain, log: log, metrics: cfg.Metrics}, nil
}

// Open writes the open entry pinning the model's public key, configuration
// digest and dimensions.
func (r *Recorder) Open() (AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case RecorderOpen:
		return AuditEntry{}, errors.New("recorder already open")
	case RecorderClosed:
		return AuditEntry{}, ErrRecorderClosed
	}

	n, m, p := r.model.Sizes()
	digest := r.model.ConfigDigest()
	e, err := r.chain.AppendEvent(OpenEvent{
		PublicKey:    r.model.PublicKey(),
		ConfigDigest: digest[:],
		StateSize:    n,
		InputSize:    m,
		OutputSize:   p,
	})
	if errors.Is(err, ErrEntryPersisted) {
		r.state = RecorderOpen
		return e, err
	}
	if err != nil {
		return AuditEntry{}, err
	}
	r.state = RecorderOpen
	r.log.Info("recording opened", "index", e.Index, "config_digest", digest.String())
	return e, nil
}

// Submit runs one transition, commits it and appends it to the chain. If
// the entry cannot be written the transition is rolled back. An error
// wrapping ErrEntryPersisted comes with a complete Step: the entry was
// written and the transition stands.
func (r *Recorder) Submit(input []float64) (Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return Step{}, err
	}

	rec, err := r.model.Transition(input)
	if err != nil {
		r.metrics.rejected()
		r.log.Warn("transition rejected", "error", err)
		return Step{}, err
	}
	r.metrics.transitioned()

	c, err := r.model.Commit(rec)
	if err != nil {
		r.model.rollback(rec)
		return Step{}, fmt.Errorf("commit transition: %w", err)
	}
	r.metrics.committed()

	e, err := r.chain.AppendEvent(NewTransitionCommitEvent(rec, c))
	if errors.Is(err, ErrEntryPersisted) {
		// The chain holds the transition, so the model keeps it too.
		r.transitions++
		return Step{Record: rec, Commitment: c, Entry: e}, err
	}
	if err != nil {
		if !r.model.rollback(rec) {
			r.log.Error("transition not recorded and state moved on", "error", err)
		}
		return Step{}, err
	}
	r.transitions++
	r.log.Debug("transition recorded", "index", e.Index, "content_hash", Hash(c.ContentHash).String())
	return Step{Record: rec, Commitment: c, Entry: e}, nil
}

// Reset zeroes the model state and records the state that was discarded.
func (r *Recorder) Reset(reason string) (AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return AuditEntry{}, err
	}
	e, err := r.chain.AppendEvent(ResetEvent{Reason: reason, StateBefore: r.model.CurrentState()})
	if errors.Is(err, ErrEntryPersisted) {
		r.model.Reset()
		return e, err
	}
	if err != nil {
		return AuditEntry{}, err
	}
	r.model.Reset()
	r.log.Info("model reset", "index", e.Index, "reason", reason)
	return e, nil
}

// Note appends an administrative annotation.
func (r *Recorder) Note(author, text string) (AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return AuditEntry{}, err
	}
	return r.chain.AppendEvent(NoteEvent{Author: author, Text: text})
}

// Correct appends a correction referring to an earlier entry. The earlier
// entry itself is never modified.
func (r *Recorder) Correct(target Hash, reason string) (AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return AuditEntry{}, err
	}
	e, err := r.chain.AppendEvent(CorrectionOf(target, reason))
	if err != nil {
		return AuditEntry{}, err
	}
	r.log.Info("correction recorded", "index", e.Index, "target", target.String())
	return e, nil
}

// Close writes the close entry. After Close every recording method
// returns ErrRecorderClosed.
func (r *Recorder) Close(reason string) (AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return AuditEntry{}, err
	}
	e, err := r.chain.AppendEvent(CloseEvent{Transitions: r.transitions, Reason: reason})
	if errors.Is(err, ErrEntryPersisted) {
		r.state = RecorderClosed
		return e, err
	}
	if err != nil {
		return AuditEntry{}, err
	}
	r.state = RecorderClosed
	r.log.Info("recording closed", "index", e.Index, "transitions", r.transitions)
	return e, nil
}

// State returns the lifecycle state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Model returns the recorded model.
func (r *Recorder) Model() *Model { return r.model }

// Chain returns the chain the recorder appends to.
func (r *Recorder) Chain() *Chain { return r.chain }

func (r *Recorder) ready() error {
	switch r.state {
	case RecorderNew:
		return ErrRecorderNotOpen
	case RecorderClosed:
		return ErrRecorderClosed
	}
	return nil
}
