package cmd

import (
	"os"
	"runplane/pkg/api"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new run",
	Long: `Submit a run of agentic work for scheduling onto the node fleet.

The run starts out pending and is leased to a node with free capacity. With
--wait the command polls until the run reaches a terminal state and prints
the full run details.

Example:
  runctl submit --agent "support-triage" --input "s3://payloads/ticket-123"
  runctl submit --agent "billing-audit" --version "v3" --input "s3://payloads/inv-9" --wait`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		agentID, _ := flags.GetString("agent")
		version, _ := flags.GetString("version")
		deployment, _ := flags.GetString("deployment")
		inputRef, _ := flags.GetString("input")
		wait, _ := flags.GetBool("wait")

		url := viper.GetString("url")

		if agentID == "" {
			cmd.Println("Error: --agent is required")
			return
		}

		if inputRef == "" {
			cmd.Println("Error: --input is required")
			return
		}

		client := NewRunClient(url)

		req := api.SubmitRunRequest{
			AgentID:  agentID,
			Version:  version,
			InputRef: inputRef,
		}
		if deployment != "" {
			req.DeploymentID = &deployment
		}

		result, err := client.SubmitRun(req)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Run submitted!\nRun ID: %s\n", result.RunID)

		if !wait {
			return
		}

		cmd.Println("Waiting for the run to finish...")
		for {
			run, err := client.GetRun(result.RunID)
			if err != nil {
				cmd.Printf("Error fetching run: %s\n", err)
				os.Exit(1)
			}

			switch run.Status {
			case api.RunStatusCompleted, api.RunStatusFailed, api.RunStatusCancelled:
				printStatus(cmd, *run)
				if run.Status != api.RunStatusCompleted {
					os.Exit(1)
				}
				return
			}

			time.Sleep(2 * time.Second)
		}
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("agent", "a", "", "ID of the agent to run (required)")
	flags.String("version", "", "Agent version to pin (optional)")
	flags.String("deployment", "", "Deployment whose placement rules apply (optional)")
	flags.StringP("input", "i", "", "Reference to the run's input payload (required)")
	flags.BoolP("wait", "w", false, "Poll until the run finishes and print its details")

	rootCmd.AddCommand(submitCmd)
}
