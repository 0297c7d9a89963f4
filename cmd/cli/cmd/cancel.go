package cmd

import (
	"os"
	"runplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_id]",
	Short: "Cancel a run",
	Long: `Request cancellation of a run.

A pending run is cancelled immediately. A run already leased to a node keeps
its status until the node next touches the lease, at which point the
controller enforces the cancellation.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		client := NewRunClient(viper.GetString("url"))

		resp, err := client.CancelRun(runID)
		if err != nil {
			cmd.Printf("Error cancelling run: %s\n", err)
			os.Exit(1)
		}

		if resp.Status == api.RunStatusCancelled {
			cmd.Printf("✓ Run %s cancelled.\n", runID)
			return
		}

		cmd.Printf("Run %s is %s; cancellation will be enforced when the node next reports.\n", runID, resp.Status)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
