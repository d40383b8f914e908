package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/csvio"
	"nodevalidator/internal/keepalive"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/report"
	"nodevalidator/internal/types"
)

// =============================================================================
// RUN COMMANDS - thin clients of a running serve process
// =============================================================================

var (
	automated    bool
	manual       bool
	startIndex   int
	filterStart  int
	stateJSON    bool
	verdictIndex int
	watchBeacon  bool
)

var loadCmd = &cobra.Command{
	Use:   "load [file.csv]",
	Short: "Load items from a CSV file (url,targetNode[,status,comments])",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		items, err := csvio.Read(f)
		if err != nil {
			return err
		}
		if err := newClient().Load(cmd.Context(), items); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d items\n", len(items))
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start validating from the current (or given) item",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx := cmd.Context()
		snap, err := c.State(ctx)
		if err != nil {
			return err
		}
		if len(snap.Items) == 0 {
			return coordinator.ErrNoItems
		}

		idx := snap.CurrentIndex
		if cmd.Flags().Changed("index") {
			idx = startIndex - 1
		}
		idx = types.ClampIndex(idx, len(snap.Items))
		if idx >= len(snap.Items) {
			return coordinator.ErrAlreadyComplete
		}

		req := coordinator.StartRequest{
			URL:        snap.Items[idx].URL,
			TargetNode: snap.Items[idx].TargetNode,
			Automated:  automated,
			StartIndex: &idx,
		}
		if cmd.Flags().Changed("filter-start") {
			fsi := filterStart - 1
			req.FilterStartIndex = &fsi
		}
		if err := c.Start(ctx, req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started at item %d of %d (%s)\n", idx+1, len(snap.Items), types.ModeFor(automated))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the run, keeping its position",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Stop(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a stopped run at its current item",
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode *bool
		switch {
		case automated:
			v := true
			mode = &v
		case manual:
			v := false
			mode = &v
		}
		if err := newClient().Resume(cmd.Context(), mode); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Resumed")
		return nil
	},
}

var verdictCmd = &cobra.Command{
	Use:   "verdict [status] [comments...]",
	Short: "Record a verdict for the current (or --index) item",
	Long: `Records a verdict without advancing. Status is one of:
  tp, fp, fn, "not valid", "needs review", skipped, pending
or the full names (True Positive, ...).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := types.ParseStatus(args[0])
		if err != nil {
			return err
		}
		c := newClient()
		ctx := cmd.Context()

		idx := verdictIndex - 1
		if !cmd.Flags().Changed("index") {
			snap, err := c.State(ctx)
			if err != nil {
				return err
			}
			idx = snap.CurrentIndex
		}
		comments := strings.Join(args[1:], " ")
		if err := c.RecordVerdict(ctx, idx, status, comments); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Item %d: %s\n", idx+1, status)
		return nil
	},
}

var advanceCmd = &cobra.Command{
	Use:     "advance",
	Aliases: []string{"next"},
	Short:   "Move to the next item",
	RunE: func(cmd *cobra.Command, args []string) error {
		complete, err := newClient().Advance(cmd.Context())
		if err != nil {
			return err
		}
		if complete {
			fmt.Fprintln(cmd.OutOrStdout(), "Validation complete")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Advanced")
		}
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newClient().State(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if stateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printState(out, snap)
		return nil
	},
}

var modeCmd = &cobra.Command{
	Use:       "mode [manual|automated]",
	Short:     "Switch between manual and automated mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"manual", "automated"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var auto bool
		switch strings.ToLower(args[0]) {
		case "manual":
		case "automated", "auto":
			auto = true
		default:
			return fmt.Errorf("unknown mode %q", args[0])
		}
		mode, err := newClient().ToggleMode(cmd.Context(), auto)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Mode: %s\n", mode)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard all items and progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Reset")
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := newClient().Heartbeat(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", ts.Format("2006-01-02 15:04:05.000"))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print push notifications as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := newClient()
		if watchBeacon {
			b := keepalive.New(c, cfg.GetKeepAlivePeriod(), cfg.GetReconnectDelay())
			b.OnFailure(func(s keepalive.Status) {
				logger.Warn("Heartbeat failed", zap.Int("failures", s.Failures), zap.String("error", s.LastError))
			})
			go b.Run(ctx)
		}

		events, err := c.Events(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for e := range events {
			fmt.Fprintln(out, describeEvent(e))
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("event stream closed by server")
	},
}

func init() {
	startCmd.Flags().BoolVar(&automated, "automated", false, "Classify items by whether the node is found")
	startCmd.Flags().IntVar(&startIndex, "index", 0, "1-based item to start at (default: current item)")
	startCmd.Flags().IntVar(&filterStart, "filter-start", 0, "1-based first item of this run's export scope")

	resumeCmd.Flags().BoolVar(&automated, "automated", false, "Resume in automated mode")
	resumeCmd.Flags().BoolVar(&manual, "manual", false, "Resume in manual mode")
	resumeCmd.MarkFlagsMutuallyExclusive("automated", "manual")

	verdictCmd.Flags().IntVar(&verdictIndex, "index", 0, "1-based item (default: current item)")

	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print raw JSON")

	watchCmd.Flags().BoolVar(&watchBeacon, "keepalive", true, "Send heartbeats while watching")
}

func printState(w io.Writer, snap coordinator.Snapshot) {
	n := len(snap.Items)
	cur := snap.CurrentIndex + 1
	if cur > n {
		cur = n
	}
	sum := report.Summarize(snap.Items)
	fmt.Fprintf(w, "Phase: %s  Mode: %s  Item: %d/%d  Reviewed: %d\n", snap.Phase, snap.Mode, cur, n, sum.Reviewed())
	fmt.Fprintf(w, "TP %d  FP %d  FN %d  Not Valid %d  Review %d  Skipped %d  Pending %d\n\n",
		sum.TruePositives, sum.FalsePositives, sum.FalseNegatives, sum.NotValid, sum.NeedsReview, sum.Skipped, sum.Pending)
	if n == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\t#\tSTATUS\tURL\tTARGET\tCOMMENTS")
	for i, it := range snap.Items {
		marker := ""
		if i == snap.CurrentIndex {
			marker = ">"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", marker, i+1, it.Status, truncate(it.URL, 60), truncate(it.TargetNode, 40), truncate(it.Comments, 40))
	}
	tw.Flush()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func describeEvent(e notify.Event) string {
	prefix := fmt.Sprintf("[%s] #%d %s", e.Time.Format("15:04:05"), e.Seq, e.Type)
	switch e.Type {
	case notify.KindVerdictRecorded:
		var p notify.VerdictRecorded
		if e.Decode(&p) == nil {
			s := fmt.Sprintf("%s item %d: %s", prefix, p.Index+1, p.Status)
			if p.Comments != "" {
				s += " (" + p.Comments + ")"
			}
			if p.IsLast {
				s += " [last]"
			}
			return s
		}
	case notify.KindVerdictFailed:
		var p notify.VerdictFailed
		if e.Decode(&p) == nil {
			return fmt.Sprintf("%s item %d: %s", prefix, p.Index+1, p.Error)
		}
	case notify.KindRunComplete:
		var p notify.RunComplete
		if e.Decode(&p) == nil && p.PendingItemsWereFixed {
			return prefix + " (pending items were marked Not Valid)"
		}
		return prefix
	case notify.KindElementLocated:
		var p notify.ElementLocated
		if e.Decode(&p) == nil {
			if p.Found {
				return fmt.Sprintf("%s item %d: %s found %d", prefix, p.Index+1, p.Selector, p.Count)
			}
			return fmt.Sprintf("%s item %d: %s not found", prefix, p.Index+1, p.Selector)
		}
	}
	return prefix + " " + string(e.Data)
}
