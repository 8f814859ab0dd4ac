package commands

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/engine"
	"github.com/banshee-data/coinsorter/internal/httputil"
)

// CtlCmd talks to a running sorter over its HTTP API.
var CtlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running sorter",
}

var ctlOpts struct {
	addr    string
	timeout time.Duration
	json    bool
}

func ctlClient() *httputil.Client {
	return httputil.NewClient(strings.TrimRight(ctlOpts.addr, "/"), &http.Client{Timeout: ctlOpts.timeout})
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine, gate and fault status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st engine.Status
		if err := ctlClient().GetJSON(cmd.Context(), "/api/status", &st); err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), st)
	},
}

var ctlResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Leave degraded mode after the operator has cleared the cause",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st engine.Status
		if err := ctlClient().PostJSON(cmd.Context(), "/api/degraded/reset", nil, &st); err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), st)
	},
}

var ctlJamClearCmd = &cobra.Command{
	Use:   "jam-clear <gate>",
	Short: "Report a cleared jam; pending coins for the gate are cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid gate %q: %w", args[0], err)
		}
		var resp struct {
			Gate      int `json:"gate"`
			Cancelled int `json:"cancelled"`
		}
		if err := ctlClient().PostJSON(cmd.Context(), fmt.Sprintf("/api/gates/%d/jam-clear", gate), nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "gate %d cleared, %d pending coins cancelled\n", resp.Gate, resp.Cancelled)
		return nil
	},
}

func init() {
	CtlCmd.PersistentFlags().StringVar(&ctlOpts.addr, "addr", "http://localhost:8080", "Base URL of the running sorter")
	CtlCmd.PersistentFlags().DurationVar(&ctlOpts.timeout, "timeout", 5*time.Second, "Request timeout")
	CtlCmd.PersistentFlags().BoolVar(&ctlOpts.json, "json", false, "Print raw JSON")
	CtlCmd.AddCommand(ctlStatusCmd, ctlResetCmd, ctlJamClearCmd)
}

func writeStatus(w io.Writer, st engine.Status) error {
	if ctlOpts.json {
		return printJSON(w, st)
	}
	mode := "normal"
	switch {
	case st.Faults.Degraded:
		mode = fmt.Sprintf("DEGRADED since %s (%s)", st.Faults.Since.Format(time.RFC3339), st.Faults.Cause)
	case !st.Running:
		mode = "stopped"
	}
	fmt.Fprintf(w, "mode:     %s\n", mode)
	fmt.Fprintf(w, "profiles: v%d %s [%s]\n", st.ProfileVersion, st.Currency, strings.Join(st.Denominations, " "))
	fmt.Fprintf(w, "transit:  %d in flight, %d queued, %d late results\n", st.InFlight, st.Queued, st.LateResults)
	fmt.Fprintf(w, "drops:    %d parse errors, %d commands, %d archive, %d sensor lines, %d actuator lines\n",
		st.ParseErrors, st.CommandDrops, st.ArchiveDrops, st.SensorDrops, st.ActuatorDrops)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nGATE\tSTATE\tARMED\tQUEUED\tOVERRUNS")
	for _, g := range st.Gates {
		armed := "-"
		if g.Armed != 0 {
			armed = fmt.Sprint(g.Armed)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", g.GateID, g.State, armed, len(g.Queued), g.Overruns)
	}
	if len(st.Bins) > 0 {
		fmt.Fprintln(tw, "\nBIN\tCOINS\tVALUE\t\t")
		for _, b := range st.Bins {
			fmt.Fprintf(tw, "%d\t%d\t%d\t\t\n", b.Bin, b.Count, b.Value)
		}
	}
	if len(st.Faults.Rates) > 0 {
		kinds := make([]coin.FaultKind, 0, len(st.Faults.Rates))
		for k := range st.Faults.Rates {
			kinds = append(kinds, k)
		}
		slices.Sort(kinds)
		fmt.Fprintln(tw, "\nFAULT\tIN WINDOW\t\t\t")
		for _, k := range kinds {
			fmt.Fprintf(tw, "%s\t%d\t\t\t\n", k, st.Faults.Rates[k])
		}
	}
	return tw.Flush()
}
