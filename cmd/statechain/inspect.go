package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/karasz/statechain"
)

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [flags]",
		Short: "List audit entries with their decoded events",
		RunE:  doInspect,
	}
	cmd.Flags().Uint64("from", 1, "first entry `<index>` to show")
	cmd.Flags().Bool("checkpoints", false, "list checkpoints instead of entries")
	return cmd
}

func doInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := cfg.Store.OpenStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if cps, _ := cmd.Flags().GetBool("checkpoints"); cps {
		list, err := store.Checkpoints()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "INDEX\tTIME\tHASH")
		for _, cp := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", cp.Index, formatMillis(cp.Timestamp), cp.Hash)
		}
		return nil
	}

	from, _ := cmd.Flags().GetUint64("from")
	ch, done, err := store.Iter(from)
	if err != nil {
		return err
	}

	fmt.Fprintln(tw, "INDEX\tTIME\tTYPE\tHASH\tEVENT")
	for e := range ch {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t", e.Index, formatMillis(e.Timestamp), e.EventType, e.EventHash.String()[:16])
		describe(tw, e)
		fmt.Fprintln(tw)
	}
	if err := done(); err != nil {
		return fmt.Errorf("listing stopped early: %w", err)
	}
	return nil
}

func describe(w io.Writer, e statechain.AuditEntry) {
	ev, err := statechain.DecodeEvent(e)
	if err != nil {
		fmt.Fprintf(w, "undecodable: %v", err)
		return
	}
	switch ev := ev.(type) {
	case statechain.OpenEvent:
		fmt.Fprintf(w, "key=%s sizes=%d/%d/%d", hex.EncodeToString(ev.PublicKey)[:16], ev.StateSize, ev.InputSize, ev.OutputSize)
	case statechain.TransitionCommitEvent:
		fmt.Fprintf(w, "u=%v x=%v y=%v", ev.Input, ev.NextState, ev.Output)
	case statechain.ResetEvent:
		fmt.Fprintf(w, "reason=%q before=%v", ev.Reason, ev.StateBefore)
	case statechain.NoteEvent:
		fmt.Fprintf(w, "%s: %s", ev.Author, ev.Text)
	case statechain.CorrectionEvent:
		fmt.Fprintf(w, "target=%s reason=%q", ev.TargetHash().String()[:16], ev.Reason)
	case statechain.CloseEvent:
		fmt.Fprintf(w, "transitions=%d reason=%q", ev.Transitions, ev.Reason)
	case statechain.OpaqueEvent:
		fmt.Fprintf(w, "%d bytes", len(ev.Data))
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
