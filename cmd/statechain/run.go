package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"

	"github.com/karasz/statechain"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [inputs file]",
		Short: "Record transitions for input vectors read one per line",
		Long: `Reads input vectors, one per line, with components separated by spaces
or commas. Blank lines and lines starting with # are skipped. Reads stdin
when no file is given or the file is "-". Each vector is applied to the
configured model, committed, and appended to the audit chain.`,
		Args: cobra.MaximumNArgs(1),
		RunE: doRun,
	}
	cmd.Flags().Bool("metrics", false, "print counters when done")
	cmd.Flags().String("close-reason", "end of input", "reason written to the close entry")
	return cmd
}

func doRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	signer, ephemeral, err := openSigner(cfg.Key, log)
	if err != nil {
		return err
	}

	registry := gometrics.NewRegistry()
	m := statechain.NewMetrics(registry)

	modelCfg := cfg.Model
	modelCfg.Signer = signer
	model, err := statechain.NewModel(modelCfg)
	if err != nil {
		return err
	}

	store, err := cfg.Store.OpenStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if ephemeral {
		if _, ok, err := store.Tail(); err != nil {
			return err
		} else if ok {
			return errors.New("store already holds a chain; set key.file so new entries are signed with its key")
		}
	}

	chain, err := statechain.NewChain(store, cfg.Chain.ChainConfig(signer, log, m))
	if err != nil {
		return err
	}
	rec, err := statechain.NewRecorder(model, chain, statechain.RecorderConfig{Logger: log, Metrics: m})
	if err != nil {
		return err
	}
	if _, err := rec.Open(); err != nil {
		return err
	}

	in := io.Reader(os.Stdin)
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	out := cmd.OutOrStdout()
	sc := bufio.NewScanner(in)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		u, err := parseVector(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		step, err := rec.Submit(u)
		if err != nil {
			var dim *statechain.DimensionMismatchError
			if errors.As(err, &dim) || errors.Is(err, statechain.ErrNonFinite) {
				log.Warn("input skipped", "line", line, "error", err)
				continue
			}
			return fmt.Errorf("line %d: %w", line, err)
		}
		fmt.Fprintf(out, "%d\tx=%v\ty=%v\t%x\n",
			step.Entry.Index, step.Record.NextState, step.Record.Output, step.Commitment.ContentHash)
	}
	if err := sc.Err(); err != nil {
		return err
	}

	reason, _ := cmd.Flags().GetString("close-reason")
	if _, err := rec.Close(reason); err != nil {
		return err
	}
	tail, err := chain.Tail()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tail %d %s\n", tail.Index, tail.Hash)

	if show, _ := cmd.Flags().GetBool("metrics"); show {
		gometrics.WriteOnce(registry, out)
	}
	return nil
}

// openSigner loads the configured key file, or generates a throwaway key
// and reports it as ephemeral.
func openSigner(cfg statechain.KeyFileConfig, log *slog.Logger) (*statechain.Signer, bool, error) {
	if cfg.File == "" {
		log.Warn("no key file configured, using an ephemeral signing key; the chain cannot be extended by a later run")
		s, err := statechain.GenerateSigner()
		return s, true, err
	}
	s, err := statechain.LoadSigner(cfg.File, cfg.Passphrase)
	if err != nil {
		return nil, false, fmt.Errorf("load key: %w", err)
	}
	return s, false, nil
}

func parseVector(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
