package cmd

import (
	"fmt"
	"os"
	"runplane/pkg/api"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the Dead Letter Queue (DLQ)",
	Long:  `Inspect and retry runs that were dead-lettered after exhausting their delivery attempts.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered runs",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		limit, _ := cmd.Flags().GetInt("limit")

		// The dead-letter listing is the failed-run listing
		runs, err := client.ListRuns(api.RunStatusFailed, "", limit)
		if err != nil {
			cmd.Printf("Error fetching DLQ: %s\n", err)
			os.Exit(1)
		}

		if len(runs) == 0 {
			cmd.Println("No runs found in DLQ.")
			return
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tAGENT\tATTEMPTS\tFAILED AT\tERROR")
		for _, r := range runs {
			failedAt := ""
			if r.FinishedAt != nil {
				failedAt = r.FinishedAt.Format(time.RFC3339)
			}
			errMsg := ""
			if r.Error != nil {
				// Truncate long error messages for the table view
				errMsg = r.Error.Message
				if len(errMsg) > 50 {
					errMsg = errMsg[:47] + "..."
				}
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				r.ID,
				r.AgentID,
				r.DeliveryAttempts,
				failedAt,
				errMsg,
			)
		}
		w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [run_id]",
	Short: "Retry a specific run from the DLQ",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		client := NewRunClient(viper.GetString("url"))

		resp, err := client.RetryRun(runID)
		if err != nil {
			cmd.Printf("Error retrying run: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("✅ Run %s retried successfully.\n", runID)
		cmd.Printf("   New Run ID: %s\n", resp.NewRunID)
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of runs demanded in the DLQ list")
}
