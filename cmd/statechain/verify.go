package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karasz/statechain"
)

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [flags]",
		Short: "Verify the audit chain and every transition commitment",
		RunE:  doVerify,
	}
	cmd.Flags().String("public-key", "", "hex Ed25519 `<key>`; defaults to the key file, then to the chain's open entry")
	cmd.Flags().Uint64("from-checkpoint", 0, "verify only the entries after the checkpoint at `<index>`")
	return cmd
}

func doVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	pub, err := verificationKey(cmd, cfg.Key)
	if err != nil {
		return err
	}

	store, err := cfg.Store.OpenStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	v := statechain.NewVerifier(store, pub)
	var rep statechain.Report
	if idx, _ := cmd.Flags().GetUint64("from-checkpoint"); idx > 0 {
		cp, ok, err := store.CheckpointAt(idx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no checkpoint at %d", idx)
		}
		rep, err = v.VerifyFromCheckpoint(cp)
		if err != nil {
			log.Error("verification failed", "from_checkpoint", idx, "error", err)
			return err
		}
	} else {
		rep, err = v.VerifyAll()
		if err != nil {
			log.Error("verification failed", "error", err)
			return err
		}
	}
	cmd.Printf("ok: %d entries, %d transitions, %d checkpoints, tail %d %s\n",
		rep.Entries, rep.Transitions, rep.Checkpoints, rep.Tail.Index, rep.Tail.Hash)
	return nil
}

func verificationKey(cmd *cobra.Command, keyCfg statechain.KeyFileConfig) (ed25519.PublicKey, error) {
	if s, _ := cmd.Flags().GetString("public-key"); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("--public-key: want %d hex-encoded bytes", ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(b), nil
	}
	if keyCfg.File != "" && keyCfg.Passphrase != "" {
		s, err := statechain.LoadSigner(keyCfg.File, keyCfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("load key: %w", err)
		}
		return s.PublicKey(), nil
	}
	return nil, nil
}
