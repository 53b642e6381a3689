// Package statechain records the evolution of a linear state-space model
// so that every step can be checked after the fact.
//
// Three pieces cooperate:
//
//   - Model applies x[k+1] = A·x[k] + B·u[k], y[k] = C·x[k] + D·u[k] and
//     returns a TransitionRecord for each step.
//   - Commit hashes the canonical encoding of a record with SHA-256 and signs
//     the hash with the model's Ed25519 key. Verify needs only the public key.
//   - Chain appends entries whose hashes link each one to its predecessor, so
//     altering, dropping, inserting or reordering entries is detectable.
//
// Usage:
//
//	store, _ := statechain.OpenFileStore("/var/lib/statechain")
//	model, _ := statechain.NewModel(statechain.ModelConfig{
//	    StateSize: 2, InputSize: 1, OutputSize: 1,
//	    A: [][]float64{{1, 0.1}, {0, 1}},
//	    B: [][]float64{{0}, {0.1}},
//	    C: [][]float64{{1, 0}},
//	    D: [][]float64{{0}},
//	})
//	chain, _ := statechain.NewChain(store, statechain.ChainConfig{})
//	rec, _ := statechain.NewRecorder(model, chain, statechain.RecorderConfig{})
//	rec.Open()
//	step, _ := rec.Submit([]float64{1})
//	rec.Close("done")
//
//	// Later, anywhere, with the public key only:
//	ok := statechain.Verify(step.Record, step.Commitment, model.PublicKey())
//	rep, err := statechain.NewVerifier(store, model.PublicKey()).VerifyAll()
//
// What the chain detects:
//
// Editing an entry changes its recomputed hash (ErrHashMismatch). Removing
// or reordering entries breaks the index sequence (ErrGap). Replacing an
// entry and fixing its hash breaks the next entry's link (ErrBrokenLink).
// Rewriting the whole suffix is caught by signed checkpoints, and a
// rewritten transition payload fails its commitment (ErrCommitment).
//
// What it does not do: the chain is unkeyed, so anyone able to rewrite the
// whole store from genesis can produce a consistent forgery. Checkpoints and
// the open entry's public key are what tie a chain to its signer.
package statechain
