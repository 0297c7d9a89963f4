package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	Long: `List recent runs, newest first.

Example:
  runctl runs --status running
  runctl runs --agent support-triage --limit 5`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		status, _ := cmd.Flags().GetString("status")
		agent, _ := cmd.Flags().GetString("agent")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := client.ListRuns(status, agent, limit)
		if err != nil {
			cmd.Printf("Error fetching runs: %s\n", err)
			os.Exit(1)
		}

		if len(runs) == 0 {
			cmd.Println("No runs found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tAGENT\tSTATUS\tATTEMPTS\tNODE\tSUBMITTED")
		for _, r := range runs {
			node := "-"
			if r.NodeID != nil {
				node = *r.NodeID
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID,
				r.AgentID,
				r.Status,
				r.DeliveryAttempts,
				node,
				relativeTime(r.CreatedAt)+" ago",
			)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().StringP("status", "s", "", "Filter by status (pending, scheduled, running, completed, failed, cancelled)")
	runsCmd.Flags().StringP("agent", "a", "", "Filter by agent ID")
	runsCmd.Flags().IntP("limit", "l", 20, "Maximum number of runs to list")
}
