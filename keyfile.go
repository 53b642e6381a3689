package statechain

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// ErrEmptyPassphrase is returned when sealing or opening a key file without a passphrase.
var ErrEmptyPassphrase = errors.New("key file passphrase must not be empty")

// SaveSigner seals the signer's Ed25519 seed to path with an age scrypt
// recipient. workFactor is the scrypt log2(N); 0 keeps age's default.
// The file is written with mode 0600 and replaced atomically.
func SaveSigner(s *Signer, path, passphrase string, workFactor int) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	seed := s.priv.Seed()
	_, err = w.Write(seed)
	clear(seed)
	if err != nil {
		return fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".statechain-key-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSigner opens a key file written by SaveSigner.
func LoadSigner(path, passphrase string) (*Signer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting key file %s: %w", path, err)
	}
	seed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	defer clear(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: key file holds %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}
