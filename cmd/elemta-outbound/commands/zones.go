package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/api"
)

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Show per-zone counters and circuit-breaker state",
	Long:  "Query a running worker's admin server for per-zone released/deferred/bounced counts and exchange circuit-breaker states.",
	Run: func(cmd *cobra.Command, args []string) {
		httpClient := &http.Client{Timeout: 5 * time.Second}

		resp, err := httpClient.Get(adminURL + "/zones")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not reach admin server at %s: %v\n", adminURL, err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: admin server returned HTTP %d\n", resp.StatusCode)
			os.Exit(1)
		}

		var zonesResp api.ZonesResponse
		if err := json.NewDecoder(resp.Body).Decode(&zonesResp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decoding response: %v\n", err)
			os.Exit(1)
		}

		for _, z := range zonesResp.Zones {
			fmt.Printf("%-20s workers=%-3d starttls_disabled=%-5v dial_attempts=%-6d released=%-6d deferred=%-6d bounced=%d\n",
				z.Name, z.Workers, z.DisableStarttls, z.DialAttempts, z.Released, z.Deferred, z.Bounced)
		}
		fmt.Printf("\ntls downgrades: %d\n", zonesResp.TLSDowngrades)
		if len(zonesResp.Circuits) > 0 {
			fmt.Println("\ncircuit breakers:")
			for exchange, state := range zonesResp.Circuits {
				fmt.Printf("  %-40s %s\n", exchange, state)
			}
		}
		if len(zonesResp.Stages) > 0 {
			fmt.Println("\nstage rates:")
			for _, stage := range zonesResp.Stages {
				fmt.Printf("  %-12s mean=%-10s window_mean=%-10s n=%d\n",
					stage.Name, stage.Mean, stage.WindowMean, stage.ObservedTotal)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(zonesCmd)
}
