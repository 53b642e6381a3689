package statechain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Commitment binds a TransitionRecord to its signer.
type Commitment struct {
	ContentHash [sha256.Size]byte // SHA-256 of the canonical record bytes
	Signature   []byte            // Ed25519 over ContentHash
}

// Outcome is the result of checking a record against a commitment.
// Failed verification is an expected result, not an error.
type Outcome int

const (
	// OutcomeMalformed means the inputs could not be evaluated at all
	// (bad key or signature length, undecodable bytes, non-finite values).
	OutcomeMalformed Outcome = iota
	// OutcomeTampered means the record does not hash to the committed hash.
	OutcomeTampered
	// OutcomeBadSignature means the hash matches but the signature does not
	// verify under the given public key.
	OutcomeBadSignature
	// OutcomeVerified means both checks passed.
	OutcomeVerified
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeTampered:
		return "tampered"
	case OutcomeBadSignature:
		return "bad-signature"
	default:
		return "malformed"
	}
}

// ErrInvalidKey indicates a private key of the wrong size.
var ErrInvalidKey = errors.New("invalid ed25519 private key")

// Signer owns an Ed25519 private key. The key never leaves the Signer; only
// signatures and the public half are handed out.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateSigner creates a Signer with a fresh random key pair.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSigner wraps an existing private key. The key is copied.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidKey, len(priv), ed25519.PrivateKeySize)
	}
	key := append(ed25519.PrivateKey(nil), priv...)
	return &Signer{priv: key, pub: key.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns a copy of the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// Commit hashes rec canonically and signs the hash.
func (s *Signer) Commit(rec TransitionRecord) (Commitment, error) {
	h, err := HashRecord(rec)
	if err != nil {
		return Commitment{}, err
	}
	return Commitment{ContentHash: h, Signature: s.Sign(h[:])}, nil
}

// HashRecord returns SHA-256 of the canonical encoding of rec.
func HashRecord(rec TransitionRecord) ([sha256.Size]byte, error) {
	b, err := EncodeRecord(rec)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Commit produces a commitment for rec with an explicit private key.
func Commit(rec TransitionRecord, priv ed25519.PrivateKey) (Commitment, error) {
	s, err := NewSigner(priv)
	if err != nil {
		return Commitment{}, err
	}
	return s.Commit(rec)
}

// Verify reports whether c is a valid commitment to rec under pub.
// It never panics, whatever the inputs.
func Verify(rec TransitionRecord, c Commitment, pub ed25519.PublicKey) bool {
	return Check(rec, c, pub) == OutcomeVerified
}

// Check is Verify with the reason for failure.
func Check(rec TransitionRecord, c Commitment, pub ed25519.PublicKey) Outcome {
	if len(pub) != ed25519.PublicKeySize || len(c.Signature) != ed25519.SignatureSize {
		return OutcomeMalformed
	}
	h, err := HashRecord(rec)
	if err != nil {
		return OutcomeMalformed
	}
	if !constantTimeEqual(h[:], c.ContentHash[:]) {
		return OutcomeTampered
	}
	if !ed25519.Verify(pub, c.ContentHash[:], c.Signature) {
		return OutcomeBadSignature
	}
	return OutcomeVerified
}

// VerifyEncoded checks a record and commitment received in canonical wire form.
func VerifyEncoded(record, commitment []byte, pub ed25519.PublicKey) Outcome {
	rec, err := DecodeRecord(record)
	if err != nil {
		return OutcomeMalformed
	}
	c, err := DecodeCommitment(commitment)
	if err != nil {
		return OutcomeMalformed
	}
	return Check(rec, c, pub)
}

// constantTimeEqual compares two digests without leaking where they differ.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
