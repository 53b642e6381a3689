// Command statechain records, verifies and inspects hash-chained audit logs
// of a linear state-space model.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/karasz/statechain"
)

func main() {
	if err := NewCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "statechain:", err)
		os.Exit(1)
	}
}

// NewCmd builds the command tree.
func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "statechain [command] [flags]",
		Short:         "statechain records verifiable state transitions",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.PersistentFlags().AddFlagSet(globalFlags())

	rootCmd.AddCommand(
		keygenCmd(),
		runCmd(),
		verifyCmd(),
		inspectCmd(),
		copyCmd(),
	)
	return rootCmd
}

func globalFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("global", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "`<path>` to a YAML config file (STATECHAIN_* env vars override it)")
	fs.String("log-level", "", "override log.level (debug, info, warn, error)")
	fs.String("passphrase-file", "", "`<path>` to a file holding the key passphrase")
	return fs
}

// loadConfig reads the config named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (statechain.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return statechain.Config{}, err
	}
	cfg, err := statechain.LoadConfig(path)
	if err != nil {
		return statechain.Config{}, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
		if _, err := cfg.Log.SlogLevel(); err != nil {
			return statechain.Config{}, err
		}
	}
	if pf, _ := cmd.Flags().GetString("passphrase-file"); pf != "" {
		b, err := os.ReadFile(pf)
		if err != nil {
			return statechain.Config{}, fmt.Errorf("read passphrase: %w", err)
		}
		cfg.Key.Passphrase = strings.TrimRight(string(b), "\r\n")
	}
	return cfg, nil
}

// newLogger writes to stderr, or to a rotating file when log.file is set.
func newLogger(cfg statechain.LogConfig) (*slog.Logger, io.Closer, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w, closer = lj, lj
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}
