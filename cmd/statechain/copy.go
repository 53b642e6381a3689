package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karasz/statechain"
)

func copyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy [flags]",
		Short: "Copy the configured chain into another, empty, store",
		RunE:  doCopy,
	}
	cmd.Flags().String("to-kind", statechain.StoreSQLite, "destination store `<kind>` (mem, file, sqlite)")
	cmd.Flags().String("to-path", "", "destination directory or DSN")
	cmd.MarkFlagRequired("to-path")
	return cmd
}

func doCopy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	kind, _ := cmd.Flags().GetString("to-kind")
	path, _ := cmd.Flags().GetString("to-path")

	src, err := cfg.Store.OpenStore()
	if err != nil {
		return fmt.Errorf("open source store: %w", err)
	}
	defer src.Close()
	dst, err := statechain.StoreConfig{Kind: kind, Path: path}.OpenStore()
	if err != nil {
		return fmt.Errorf("open destination store: %w", err)
	}
	defer dst.Close()

	n, err := statechain.CopyStore(dst, src)
	if err != nil {
		return err
	}
	cmd.Printf("copied %d entries to %s store %s\n", n, kind, path)
	return nil
}
