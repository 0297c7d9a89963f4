package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "Runctl is a command line tool for interacting with the runplane control plane",
	Long: `runctl is the command-line interface for the RunPlane agentic run scheduling platform.

RunPlane distributes runs of agentic work across a fleet of worker nodes. The
controller owns all state and hands out time-limited leases; nodes pull leases
over a streaming connection, execute the run, and report the outcome back:

  - Control Plane: HTTP API for submitting runs and tracking their lifecycle
  - Data Plane: Node agents that lease runs from the controller and execute them

Common workflows:

  Submit a run:
    runctl submit --agent "support-triage" --input "s3://payloads/ticket-123"

  Submit and wait for the result:
    runctl submit --agent "support-triage" --input "s3://payloads/ticket-123" --wait

  Check run status:
    runctl status <run-id>

  List recent runs:
    runctl runs --status running

  Inspect the node fleet:
    runctl nodes

  Retry a dead-lettered run:
    runctl dlq retry <run-id>

Configuration:
  Set the API endpoint via an environment variable or a config file:
    RUNPLANE_URL    Controller endpoint (default: http://localhost:6161)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "RUNPLANE_VARNAME"
	viper.SetEnvPrefix("RUNPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "RunPlane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
