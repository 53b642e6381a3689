package statechain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EventKind is the EventType string of an audit entry.
type EventKind string

// Known event kinds. Any other EventType decodes to an OpaqueEvent.
const (
	KindOpen             EventKind = "open"
	KindTransitionCommit EventKind = "transition.commit"
	KindReset            EventKind = "model.reset"
	KindNote             EventKind = "admin.note"
	KindCorrection       EventKind = "correction"
	KindClose            EventKind = "close"
)

// Event is the closed set of payloads the chain knows how to encode.
// Implementations live in this package only.
type Event interface {
	Kind() EventKind
	isEvent()
}

// OpenEvent starts a recording: it pins the verification key and the model
// the following transitions claim to come from.
type OpenEvent struct {
	PublicKey    []byte `cbor:"1,keyasint"`
	ConfigDigest []byte `cbor:"2,keyasint"`
	StateSize    int    `cbor:"3,keyasint"`
	InputSize    int    `cbor:"4,keyasint"`
	OutputSize   int    `cbor:"5,keyasint"`
}

// TransitionCommitEvent carries a transition record and its commitment.
type TransitionCommitEvent struct {
	PreviousState []float64 `cbor:"1,keyasint"`
	NextState     []float64 `cbor:"2,keyasint"`
	Input         []float64 `cbor:"3,keyasint"`
	Output        []float64 `cbor:"4,keyasint"`
	Timestamp     int64     `cbor:"5,keyasint"`
	ContentHash   []byte    `cbor:"6,keyasint"`
	Signature     []byte    `cbor:"7,keyasint"`
}

// ResetEvent records a Model.Reset and the state that was discarded.
type ResetEvent struct {
	Reason      string    `cbor:"1,keyasint"`
	StateBefore []float64 `cbor:"2,keyasint"`
}

// NoteEvent is a free-form administrative annotation.
type NoteEvent struct {
	Author string `cbor:"1,keyasint"`
	Text   string `cbor:"2,keyasint"`
}

// CorrectionEvent amends an earlier entry without touching it.
type CorrectionEvent struct {
	Target []byte `cbor:"1,keyasint"` // EventHash of the corrected entry
	Reason string `cbor:"2,keyasint"`
}

// CloseEvent ends a recording.
type CloseEvent struct {
	Transitions uint64 `cbor:"1,keyasint"`
	Reason      string `cbor:"2,keyasint,omitempty"`
}

// OpaqueEvent is an entry of a type this package does not interpret.
// Data is stored verbatim.
type OpaqueEvent struct {
	Type string
	Data []byte
}

func (OpenEvent) Kind() EventKind             { return KindOpen }
func (TransitionCommitEvent) Kind() EventKind { return KindTransitionCommit }
func (ResetEvent) Kind() EventKind            { return KindReset }
func (NoteEvent) Kind() EventKind             { return KindNote }
func (CorrectionEvent) Kind() EventKind       { return KindCorrection }
func (CloseEvent) Kind() EventKind            { return KindClose }
func (e OpaqueEvent) Kind() EventKind         { return EventKind(e.Type) }

func (OpenEvent) isEvent()             {}
func (TransitionCommitEvent) isEvent() {}
func (ResetEvent) isEvent()            {}
func (NoteEvent) isEvent()             {}
func (CorrectionEvent) isEvent()       {}
func (CloseEvent) isEvent()            {}
func (OpaqueEvent) isEvent()           {}

// NewTransitionCommitEvent packs a record and its commitment.
func NewTransitionCommitEvent(rec TransitionRecord, c Commitment) TransitionCommitEvent {
	return TransitionCommitEvent{
		PreviousState: cloneVec(rec.PreviousState),
		NextState:     cloneVec(rec.NextState),
		Input:         cloneVec(rec.Input),
		Output:        cloneVec(rec.Output),
		Timestamp:     rec.Timestamp,
		ContentHash:   append([]byte(nil), c.ContentHash[:]...),
		Signature:     append([]byte(nil), c.Signature...),
	}
}

// Record returns the transition record carried by the event.
func (e TransitionCommitEvent) Record() TransitionRecord {
	return TransitionRecord{
		PreviousState: cloneVec(e.PreviousState),
		NextState:     cloneVec(e.NextState),
		Input:         cloneVec(e.Input),
		Output:        cloneVec(e.Output),
		Timestamp:     e.Timestamp,
	}
}

// Commitment returns the commitment carried by the event.
func (e TransitionCommitEvent) Commitment() Commitment {
	var c Commitment
	copy(c.ContentHash[:], e.ContentHash)
	c.Signature = append([]byte(nil), e.Signature...)
	return c
}

// CorrectionOf builds a correction for the entry with hash target.
func CorrectionOf(target Hash, reason string) CorrectionEvent {
	return CorrectionEvent{Target: append([]byte(nil), target[:]...), Reason: reason}
}

// TargetHash returns the corrected entry's hash.
func (e CorrectionEvent) TargetHash() Hash {
	var h Hash
	copy(h[:], e.Target)
	return h
}

// ErrUnknownEvent indicates an Event implementation EncodeEvent cannot handle.
var ErrUnknownEvent = errors.New("unknown event")

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// event always yields the same payload bytes and therefore the same hash.
var encMode cbor.EncMode

// decMode rejects unknown and duplicate keys; payloads are hashed, so
// anything the encoder would not have produced is suspect.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("statechain: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("statechain: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeEvent returns the payload bytes for ev.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case OpaqueEvent:
		if e.Type == "" {
			return nil, ErrEmptyEventType
		}
		if knownKind(EventKind(e.Type)) {
			return nil, fmt.Errorf("%w: opaque payload under reserved type %q", ErrUnknownEvent, e.Type)
		}
		return append([]byte(nil), e.Data...), nil
	case TransitionCommitEvent:
		for _, f := range []struct {
			name string
			v    []float64
		}{
			{"previous_state", e.PreviousState},
			{"next_state", e.NextState},
			{"input", e.Input},
			{"output", e.Output},
		} {
			if err := checkFinite(f.name, f.v); err != nil {
				return nil, err
			}
		}
		return marshalEvent(e)
	case ResetEvent:
		if err := checkFinite("state_before", e.StateBefore); err != nil {
			return nil, err
		}
		return marshalEvent(e)
	case OpenEvent, NoteEvent, CorrectionEvent, CloseEvent:
		return marshalEvent(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func knownKind(k EventKind) bool {
	switch k {
	case KindOpen, KindTransitionCommit, KindReset, KindNote, KindCorrection, KindClose:
		return true
	}
	return false
}

func marshalEvent(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// DecodeEvent interprets an entry's payload according to its EventType.
func DecodeEvent(e AuditEntry) (Event, error) {
	switch EventKind(e.EventType) {
	case KindOpen:
		var ev OpenEvent
		if err := unmarshalEvent(e, &ev); err != nil {
			return nil, err
		}
		if len(ev.PublicKey) != ed25519.PublicKeySize || len(ev.ConfigDigest) != sha256.Size {
			return nil, fmt.Errorf("decode %s event: bad key or digest length", e.EventType)
		}
		return ev, nil
	case KindTransitionCommit:
		var ev TransitionCommitEvent
		if err := unmarshalEvent(e, &ev); err != nil {
			return nil, err
		}
		if len(ev.ContentHash) != sha256.Size {
			return nil, fmt.Errorf("decode %s event: content hash is %d bytes", e.EventType, len(ev.ContentHash))
		}
		return ev, nil
	case KindReset:
		var ev ResetEvent
		if err := unmarshalEvent(e, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindNote:
		var ev NoteEvent
		if err := unmarshalEvent(e, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindCorrection:
		var ev CorrectionEvent
		if err := unmarshalEvent(e, &ev); err != nil {
			return nil, err
		}
		if len(ev.Target) != HashSize {
			return nil, fmt.Errorf("decode %s event: target is %d bytes", e.EventType, len(ev.Target))
		}
		return ev, nil
	case KindClose:
		var ev CloseEvent
		if err := unmarshalEvent(e, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return OpaqueEvent{Type: e.EventType, Data: append([]byte(nil), e.Payload...)}, nil
	}
}

func unmarshalEvent(e AuditEntry, v any) error {
	if err := decMode.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.EventType, err)
	}
	return nil
}
