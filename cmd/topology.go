package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"grace/internal/api"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Show the mesh topology of a running runtime",
	Args:  cobra.NoArgs,
	RunE:  runTopology,
}

func runTopology(cmd *cobra.Command, _ []string) error {
	var topo api.TopologySummary
	if err := fetchJSON(cmd.Context(), "/api/mesh/topology", &topo); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "KIND", "ENDPOINT", "CAPABILITIES", "STATUS", "P95", "ERR RATE"})

	sort.Slice(topo.Instances, func(i, j int) bool {
		return topo.Instances[i].Instance.ID < topo.Instances[j].Instance.ID
	})
	for _, st := range topo.Instances {
		t.AppendRow(table.Row{
			st.Instance.ID,
			st.Instance.Kind,
			st.Instance.Endpoint.String(),
			strings.Join(st.Instance.Capabilities, ", "),
			colorStatus(st.Health.Status),
			st.Health.LatencyP95.Round(time.Millisecond),
			fmt.Sprintf("%.1f%%", st.Health.ErrorRate*100),
		})
	}
	t.Render()

	caps := make([]string, 0, len(topo.Capabilities))
	for c := range topo.Capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	for _, c := range caps {
		fmt.Printf("  %s -> %s\n", text.FgHiCyan.Sprint(c), strings.Join(topo.Capabilities[c], ", "))
	}
	return nil
}

func colorStatus(status api.HealthStatus) string {
	switch status {
	case api.HealthHealthy:
		return text.FgGreen.Sprint(status)
	case api.HealthDegraded:
		return text.FgYellow.Sprint(status)
	case api.HealthUnhealthy, api.HealthQuarantined:
		return text.FgRed.Sprint(status)
	}
	return string(status)
}

func init() {
	rootCmd.AddCommand(topologyCmd)
	topologyCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "Runtime ingress URL (default http://localhost:8000, env GRACE_ENDPOINT)")
}
