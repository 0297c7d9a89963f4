package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the node fleet",
	Long:  `List every registered node with its state, capacity, and outstanding leases.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		nodes, err := client.ListNodes()
		if err != nil {
			cmd.Printf("Error fetching nodes: %s\n", err)
			os.Exit(1)
		}

		if len(nodes) == 0 {
			cmd.Println("No nodes registered.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NODE ID\tSTATE\tREGION\tSLOTS\tFREE\tLEASES\tHEARTBEAT")
		for _, n := range nodes {
			region := n.Metadata.Region
			if region == "" {
				region = "-"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				n.ID,
				n.State,
				region,
				n.Capacity.Slots,
				n.FreeSlots,
				n.OutstandingLeases,
				relativeTime(n.HeartbeatAt)+" ago",
			)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}
