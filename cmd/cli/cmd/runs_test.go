package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"runplane/pkg/api"

	"github.com/spf13/viper"
)

func TestRunsCommand_Success(t *testing.T) {
	resetViper()

	nodeID := "node-eu-1"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/runs") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		resp := api.ListRunsResponse{
			Runs: []api.RunResponse{
				{
					ID:               "run-1",
					AgentID:          "support-triage",
					Status:           api.RunStatusRunning,
					DeliveryAttempts: 1,
					NodeID:           &nodeID,
					CreatedAt:        time.Now().Add(-2 * time.Minute),
				},
				{
					ID:        "run-2",
					AgentID:   "billing-audit",
					Status:    api.RunStatusPending,
					CreatedAt: time.Now().Add(-30 * time.Second),
				},
			},
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"runs"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()

	// Verify table headers and content presence
	expectedStrings := []string{
		"RUN ID", "AGENT", "STATUS", "ATTEMPTS", "NODE", "SUBMITTED", // Headers
		"run-1", "support-triage", "running", "node-eu-1", // Data
		"run-2", "billing-audit", "pending",
	}

	for _, s := range expectedStrings {
		if !strings.Contains(output, s) {
			t.Errorf("expected output to contain %q, got:\n%s", s, output)
		}
	}
}

func TestRunsCommand_Filters(t *testing.T) {
	resetViper()

	// Mock server verifying query parameters
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "running" {
			t.Errorf("expected status=running, got %s", query.Get("status"))
		}
		if query.Get("agent") != "support-triage" {
			t.Errorf("expected agent=support-triage, got %s", query.Get("agent"))
		}
		if query.Get("limit") != "5" {
			t.Errorf("expected limit=5, got %s", query.Get("limit"))
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(api.ListRunsResponse{Runs: []api.RunResponse{}})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"runs", "--status", "running", "--agent", "support-triage", "--limit", "5"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunsCommand_Empty(t *testing.T) {
	resetViper()

	// Reset flags from previous tests
	runsCmd.Flags().Set("status", "")
	runsCmd.Flags().Set("agent", "")
	runsCmd.Flags().Set("limit", "20")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(api.ListRunsResponse{Runs: []api.RunResponse{}})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"runs"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "No runs found.") {
		t.Errorf("expected empty message, got: %s", output)
	}
}
