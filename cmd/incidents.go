package cmd

import (
	"fmt"
	"os"
	"time"

	"grace/internal/api"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var incidentsWindow string

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Show open incidents and the rolling MTTR summary",
	Args:  cobra.NoArgs,
	RunE:  runIncidents,
}

func runIncidents(cmd *cobra.Command, _ []string) error {
	var resp struct {
		Open    []api.Incident      `json:"open"`
		Summary api.IncidentSummary `json:"summary"`
	}
	path := "/api/guardian/incidents"
	if incidentsWindow != "" {
		path += "?window=" + incidentsWindow
	}
	if err := fetchJSON(cmd.Context(), path, &resp); err != nil {
		return err
	}

	if len(resp.Open) == 0 {
		fmt.Println(text.FgGreen.Sprint("no open incidents"))
	} else {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"ID", "FAILURE", "DETECTED", "AGE", "ACTIONS"})
		for _, inc := range resp.Open {
			t.AppendRow(table.Row{
				inc.ID,
				inc.FailureKind,
				inc.DetectedAt.Format(time.RFC3339),
				time.Since(inc.DetectedAt).Round(time.Second),
				len(inc.Actions),
			})
		}
		t.Render()
	}

	fmt.Printf("window %s: %d incident(s), %d resolved, %.0f%% success, rolling MTTR %.1fs\n",
		resp.Summary.Window, resp.Summary.Count, resp.Summary.Resolved,
		resp.Summary.SuccessRatio*100, resp.Summary.RollingMTTRSeconds)
	return nil
}

func init() {
	rootCmd.AddCommand(incidentsCmd)
	incidentsCmd.Flags().StringVar(&incidentsWindow, "window", "", "Summary window as a duration (default 24h)")
	incidentsCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "Runtime ingress URL (default http://localhost:8000, env GRACE_ENDPOINT)")
}
