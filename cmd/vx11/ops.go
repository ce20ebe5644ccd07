package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/gateway"
	"github.com/vx11/vx11/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show window state and backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd, st)
		}

		out := cmd.OutOrStdout()
		printWindow(out, st.Window)
		fmt.Fprintf(out, "Gateway health: %s\n", st.Health)
		fmt.Fprintf(out, "Stream subscribers: %d\n\n", st.StreamSubscribers)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tGATING\tHEALTHY\tLATENCY\tREASON")
		for _, b := range st.Backends {
			fmt.Fprintf(w, "%s\t%s\t%t\t%dms\t%s\n", b.Target, b.Gating, b.Healthy, b.LatencyMs, b.Reason)
		}
		return w.Flush()
	},
}

var openCmd = &cobra.Command{
	Use:   "open TARGET [TARGET...]",
	Short: "Open a window over one or more window-gated targets",
	Long: `Open a window. Exactly one of --ttl and --hold is required; --hold keeps the
window open until it is closed explicitly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		hold, _ := cmd.Flags().GetBool("hold")
		reason, _ := cmd.Flags().GetString("reason")
		if (ttl > 0) == hold {
			return fmt.Errorf("exactly one of --ttl and --hold is required")
		}

		req := gateway.OpenWindowRequest{Hold: hold, Reason: reason}
		for _, arg := range args {
			target, err := types.ParseTarget(arg)
			if err != nil {
				return err
			}
			req.Services = append(req.Services, target)
		}
		if ttl > 0 {
			secs := int64(ttl.Round(time.Second) / time.Second)
			req.TTLSeconds = &secs
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		opened, err := c.OpenWindow(cmd.Context(), req)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd, opened)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Window %s opened for %s\n", opened.WindowID, joinTargets(opened.Services))
		if opened.Deadline != nil {
			fmt.Fprintf(out, "  Expires: %s\n", opened.Deadline.Local().Format(time.RFC3339))
		} else {
			fmt.Fprintln(out, "  Expires: never (hold)")
		}
		for _, t := range sortedTokenTargets(opened.Tokens) {
			fmt.Fprintf(out, "  Token for %s: %s\n", t, opened.Tokens[t])
		}
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the current window and return to solo mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		res, err := c.CloseWindow(cmd.Context(), reason)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd, res)
		}
		if res.Closed {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Window closed, solo mode")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "No window was open, solo mode")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent window transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		transitions, err := c.WindowHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd, transitions)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tCAUSE\tWINDOW\tSERVICES\tREASON")
		for _, t := range transitions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				t.Seq, t.Timestamp.Local().Format(time.RFC3339), t.Cause, t.WindowID, joinTargets(t.Services), t.Reason)
		}
		return w.Flush()
	},
}

var intentCmd = &cobra.Command{
	Use:   "intent KIND [TEXT...]",
	Short: "Route one intent through the gateway",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		require, _ := cmd.Flags().GetStringSlice("require")
		payload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetString("priority")
		cid, _ := cmd.Flags().GetString("correlation-id")

		intent := &types.Intent{
			Kind:          types.IntentKind(args[0]),
			Text:          strings.Join(args[1:], " "),
			Priority:      types.Priority(priority),
			CorrelationID: cid,
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			intent.Payload = json.RawMessage(payload)
		}
		if len(require) > 0 {
			intent.Require = make(map[types.Target]bool, len(require))
			for _, r := range require {
				target, err := types.ParseTarget(r)
				if err != nil {
					return err
				}
				intent.Require[target] = true
			}
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		outcome, err := c.SendIntent(cmd.Context(), intent)
		if outcome != nil {
			if wantJSON(cmd) {
				if perr := printJSON(cmd, outcome); perr != nil {
					return perr
				}
			} else {
				printOutcome(cmd.OutOrStdout(), outcome)
			}
		}
		return err
	},
}

var resultCmd = &cobra.Command{
	Use:   "result CORRELATION_ID",
	Short: "Fetch a stored intent outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		outcome, err := c.Result(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd, outcome)
		}
		printOutcome(cmd.OutOrStdout(), outcome)
		return nil
	},
}

var tailEventsCmd = &cobra.Command{
	Use:   "tail-events",
	Short: "Follow the operator event stream until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		showHeartbeats, _ := cmd.Flags().GetBool("heartbeats")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		asJSON := wantJSON(cmd)
		out := cmd.OutOrStdout()
		return c.TailEvents(ctx, func(e *events.Event) error {
			if e.Type == events.EventHeartbeat && !showHeartbeats {
				return nil
			}
			if asJSON {
				return json.NewEncoder(out).Encode(e)
			}
			_, err := fmt.Fprintln(out, formatEvent(e))
			return err
		})
	},
}

func init() {
	openCmd.Flags().Duration("ttl", 0, "Window lifetime, e.g. 60s or 15m (max 1h)")
	openCmd.Flags().Bool("hold", false, "Keep the window open until closed")
	openCmd.Flags().String("reason", "", "Why the window is needed")

	closeCmd.Flags().String("reason", "", "Why the window is closed")

	historyCmd.Flags().Int("limit", 20, "Number of transitions to show")

	intentCmd.Flags().StringSlice("require", nil, "Target to route to (repeatable)")
	intentCmd.Flags().String("payload", "", "JSON payload")
	intentCmd.Flags().String("priority", "", "low, normal or high")
	intentCmd.Flags().String("correlation-id", "", "Correlation id to use instead of a fresh one")

	tailEventsCmd.Flags().Bool("heartbeats", false, "Also print heartbeats")
}

func printWindow(out io.Writer, st gateway.WindowStatusResponse) {
	if !st.IsWindowed() {
		fmt.Fprintln(out, "Mode: solo")
		return
	}
	fmt.Fprintf(out, "Mode: windowed (%s)\n", st.WindowID)
	fmt.Fprintf(out, "Services: %s\n", joinTargets(st.Services))
	if st.TTLRemainingSeconds != nil {
		remaining := time.Duration(*st.TTLRemainingSeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(out, "Remaining: %s\n", remaining)
	} else {
		fmt.Fprintln(out, "Remaining: hold")
	}
	if st.Reason != "" {
		fmt.Fprintf(out, "Reason: %s\n", st.Reason)
	}
}

func printOutcome(out io.Writer, o *types.Outcome) {
	fmt.Fprintf(out, "Correlation: %s\n", o.CorrelationID)
	fmt.Fprintf(out, "Status: %s  Mode: %s  Provider: %s", o.Status, o.Mode, o.Provider)
	if o.Degraded {
		fmt.Fprint(out, "  (degraded)")
	}
	fmt.Fprintln(out)
	if len(o.Response) > 0 {
		fmt.Fprintf(out, "Response: %s\n", o.Response)
	}
	if len(o.Error) > 0 {
		fmt.Fprintf(out, "Error: %s\n", o.Error)
	}
}

func formatEvent(e *events.Event) string {
	line := fmt.Sprintf("%s  %-5s  %-26s %s", e.Timestamp.Local().Format("15:04:05.000"), e.Severity, e.Type, e.Summary)
	if e.CorrelationID != "" {
		line += "  [" + e.CorrelationID + "]"
	}
	return line
}

func joinTargets(targets []types.Target) string {
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func sortedTokenTargets(tokens map[types.Target]string) []types.Target {
	out := make([]types.Target, 0, len(tokens))
	for t := range tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
