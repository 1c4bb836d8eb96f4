package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// degradedError signals exit code 4: the runtime answered but part of
// the mesh is not routable.
type degradedError struct {
	unhealthy   int
	quarantined int
}

func (e *degradedError) Error() string {
	return fmt.Sprintf("mesh degraded: %d unhealthy, %d quarantined instance(s)", e.unhealthy, e.quarantined)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the health of a running runtime",
	Long: `Queries a running runtime and summarizes mesh health, pending
approvals and open incidents.

Exit codes:
  0  runtime reachable, all instances routable
  1  runtime not reachable
  4  runtime reachable but instances are unhealthy or quarantined`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " checking " + apiEndpoint()
	s.Start()

	var health struct {
		Counts map[string]int `json:"counts"`
	}
	err := fetchJSON(cmd.Context(), "/api/mesh/health", &health)
	if err != nil {
		s.Stop()
		return err
	}

	var pending struct {
		Total int `json:"total"`
	}
	if err := fetchJSON(cmd.Context(), "/api/actions/pending", &pending); err != nil {
		s.Stop()
		return err
	}

	var incidents struct {
		Open []interface{} `json:"open"`
	}
	if err := fetchJSON(cmd.Context(), "/api/guardian/incidents", &incidents); err != nil {
		s.Stop()
		return err
	}

	var breakers struct {
		Breakers []struct {
			State string `json:"state"`
		} `json:"breakers"`
	}
	if err := fetchJSON(cmd.Context(), "/api/gateway/circuit-breakers", &breakers); err != nil {
		s.Stop()
		return err
	}
	s.Stop()

	open := 0
	for _, b := range breakers.Breakers {
		if b.State == "open" {
			open++
		}
	}

	total := 0
	for _, n := range health.Counts {
		total += n
	}
	fmt.Printf("%s %d instance(s): %d healthy, %d degraded, %d unhealthy, %d quarantined, %d starting\n",
		text.FgGreen.Sprint("✓"), total,
		health.Counts["healthy"], health.Counts["degraded"], health.Counts["unhealthy"],
		health.Counts["quarantined"], health.Counts["starting"])
	fmt.Printf("%s %d pending approval(s), %d open incident(s), %d/%d circuit(s) open\n",
		text.FgGreen.Sprint("✓"), pending.Total, len(incidents.Open), open, len(breakers.Breakers))

	if health.Counts["unhealthy"] > 0 || health.Counts["quarantined"] > 0 {
		fmt.Println(text.FgYellow.Sprint("! some instances are not routable"))
		return &degradedError{
			unhealthy:   health.Counts["unhealthy"],
			quarantined: health.Counts["quarantined"],
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "Runtime ingress URL (default http://localhost:8000, env GRACE_ENDPOINT)")
}
