package main

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karasz/statechain"
)

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen [flags]",
		Short: "Generate a signing key and seal it with a passphrase",
		RunE:  doKeygen,
	}
	cmd.Flags().StringP("out", "o", "", "`<path>` of the key file (defaults to key.file)")
	cmd.Flags().Bool("force", false, "overwrite an existing key file")
	return cmd
}

func doKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = cfg.Key.File
	}
	if out == "" {
		return errors.New("no key file: pass --out or set key.file")
	}
	force, _ := cmd.Flags().GetBool("force")
	if !force && fileExists(out) {
		return fmt.Errorf("%s exists; use --force to replace it", out)
	}

	signer, err := statechain.GenerateSigner()
	if err != nil {
		return err
	}
	if err := statechain.SaveSigner(signer, out, cfg.Key.Passphrase, cfg.Key.WorkFactor); err != nil {
		return err
	}
	cmd.Printf("wrote %s\npublic key %s\n", out, hex.EncodeToString(signer.PublicKey()))
	return nil
}
