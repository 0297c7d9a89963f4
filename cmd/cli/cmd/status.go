package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runplane/pkg/api"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a run, including its current state (pending, scheduled, running, completed, failed, cancelled), delivery attempts, result, and timings.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		url := viper.GetString("url")

		endpoint := fmt.Sprintf("%s/runs/%s", url, runID)
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			cmd.Printf("Failed to create request: %v\n", err)
			return
		}
		req.Header.Add("Content-Type", "application/json")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			cmd.Printf("Failed to send request: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			cmd.Printf("Request failed with status code: %d\n", resp.StatusCode)
			return
		}

		body, _ := io.ReadAll(resp.Body)

		var run api.RunResponse
		if err := json.Unmarshal(body, &run); err != nil {
			cmd.Printf("Failed to parse response: %v\n", err)
			return
		}

		printStatus(cmd, run)
	},
}

func printStatus(cmd *cobra.Command, run api.RunResponse) {
	// Header with status icon
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	// ID
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)

	// Agent, with the pinned version when one was requested
	agent := run.AgentID
	if run.Version != "" {
		agent = fmt.Sprintf("%s@%s", run.AgentID, run.Version)
	}
	cmd.Printf("%sAgent:%s       %s\n", colorDim, colorReset, agent)

	// Status with icon
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))

	// Delivery attempts
	cmd.Printf("%sAttempts:%s    %d\n", colorDim, colorReset, run.DeliveryAttempts)

	// Node that holds or held the run
	if run.NodeID != nil {
		cmd.Printf("%sNode:%s        %s\n", colorDim, colorReset, *run.NodeID)
	} else {
		cmd.Printf("%sNode:%s        -\n", colorDim, colorReset)
	}

	// Input payload reference
	cmd.Printf("%sInput:%s       %s\n", colorDim, colorReset, run.InputRef)

	// Result (if present)
	if len(run.Result) > 0 {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, string(run.Result))
	}

	// Error (if present)
	if run.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, run.Error.Message, colorReset)
	}

	// Dead-letter lineage
	if run.RetriedFrom != nil {
		cmd.Printf("%sRetried:%s     from %s\n", colorDim, colorReset, *run.RetriedFrom)
	}

	// Timestamps with relative time
	cmd.Printf("%sSubmitted:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&run.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	// Duration if both times available
	if run.StartedAt != nil && run.FinishedAt != nil {
		duration := run.FinishedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.FinishedAt))
	}

	// Node-reported timings
	if run.Timings != nil {
		cmd.Printf("%sQueued:%s      %s\n", colorDim, colorReset,
			formatDuration(time.Duration(run.Timings.QueuedMillis)*time.Millisecond))
	}

	// Resource spend
	if run.Costs != nil {
		cmd.Printf("%sTokens:%s      %d in / %d out\n", colorDim, colorReset,
			run.Costs.InputTokens, run.Costs.OutputTokens)
		if run.Costs.USD > 0 {
			cmd.Printf("%sCost:%s        $%.4f\n", colorDim, colorReset, run.Costs.USD)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case api.RunStatusCompleted:
		return colorGreen + "✓" + colorReset
	case api.RunStatusFailed:
		return colorRed + "✗" + colorReset
	case api.RunStatusRunning:
		return colorYellow + "⏳" + colorReset
	case api.RunStatusScheduled:
		return colorCyan + "◉" + colorReset
	case api.RunStatusPending:
		return colorCyan + "◯" + colorReset
	case api.RunStatusCancelled:
		return colorDim + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case api.RunStatusCompleted:
		return icon + " " + colorGreen + status + colorReset
	case api.RunStatusFailed:
		return icon + " " + colorRed + status + colorReset
	case api.RunStatusRunning:
		return icon + " " + colorYellow + status + colorReset
	case api.RunStatusPending, api.RunStatusScheduled:
		return icon + " " + colorCyan + status + colorReset
	case api.RunStatusCancelled:
		return icon + " " + colorDim + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
