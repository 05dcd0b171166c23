package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Ask a running worker to stop accepting new deliveries",
	Long:  "POST to a running worker's admin server /drain endpoint, cancelling its run context so every Loop exits after its current in-flight delivery.",
	Run: func(cmd *cobra.Command, args []string) {
		httpClient := &http.Client{Timeout: 5 * time.Second}

		resp, err := httpClient.Post(adminURL+"/drain", "", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not reach admin server at %s: %v\n", adminURL, err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			fmt.Println("Drain requested.")
		case http.StatusServiceUnavailable:
			fmt.Fprintln(os.Stderr, "Error: this worker does not support draining")
			os.Exit(1)
		default:
			fmt.Fprintf(os.Stderr, "Error: admin server returned HTTP %d\n", resp.StatusCode)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)
}
