package statechain

import (
	"crypto/ed25519"
	"encoding/binary"
)

const checkpointDomain = "statechain.checkpoint.v1"

// Checkpoint is a signed statement that entry Index of a chain has hash
// Hash. A verifier holding the signer's public key can check the entries
// after a checkpoint without replaying the whole chain.
type Checkpoint struct {
	Index     uint64
	Hash      Hash
	Timestamp int64 // unix millis of the checkpointed entry
	Signature []byte
}

// Tail returns the chain position the checkpoint vouches for.
func (cp Checkpoint) Tail() TailState {
	return TailState{Index: cp.Index, Hash: cp.Hash}
}

// VerifyCheckpoint reports whether cp carries a valid signature under pub.
func VerifyCheckpoint(cp Checkpoint, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(cp.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, checkpointMessage(cp.Index, cp.Timestamp, cp.Hash), cp.Signature)
}

func signCheckpoint(s *Signer, e AuditEntry) Checkpoint {
	return Checkpoint{
		Index:     e.Index,
		Hash:      e.EventHash,
		Timestamp: e.Timestamp,
		Signature: s.Sign(checkpointMessage(e.Index, e.Timestamp, e.EventHash)),
	}
}

// checkpointMessage is domain || index (8, big-endian) || timestamp (8) || hash.
func checkpointMessage(index uint64, ts int64, h Hash) []byte {
	msg := make([]byte, 0, len(checkpointDomain)+16+HashSize)
	msg = append(msg, checkpointDomain...)
	msg = binary.BigEndian.AppendUint64(msg, index)
	msg = binary.BigEndian.AppendUint64(msg, uint64(ts))
	return append(msg, h[:]...)
}
