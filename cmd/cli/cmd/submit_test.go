package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"runplane/pkg/api"

	"github.com/spf13/viper"
)

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()

	submitCalled := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		submitCalled = true

		// Verify request body
		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["agent_id"] != "support-triage" {
			t.Errorf("expected agent_id=support-triage, got %v", reqBody["agent_id"])
		}
		if reqBody["input_ref"] != "s3://payloads/ticket-123" {
			t.Errorf("expected input_ref=s3://payloads/ticket-123, got %v", reqBody["input_ref"])
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.SubmitRunResponse{RunID: "run-123"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"submit", "--agent", "support-triage", "--input", "s3://payloads/ticket-123"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !submitCalled {
		t.Error("expected submit endpoint to be called")
	}

	output := stdout.String()
	if !strings.Contains(output, "Run submitted") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "run-123") {
		t.Errorf("expected run ID in output, got: %s", output)
	}
}

func TestSubmitCommand_MissingAgent(t *testing.T) {
	resetViper()

	// Reset flags from previous tests
	submitCmd.Flags().Set("agent", "")
	submitCmd.Flags().Set("input", "")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when validation fails")
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"submit", "--input", "s3://payloads/ticket-123"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "--agent is required") {
		t.Errorf("expected agent required error, got: %s", output)
	}
}

func TestSubmitCommand_MissingInput(t *testing.T) {
	resetViper()

	// Reset flags from previous tests
	submitCmd.Flags().Set("input", "")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when validation fails")
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"submit", "--agent", "support-triage"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "--input is required") {
		t.Errorf("expected input required error, got: %s", output)
	}
}

func TestSubmitCommand_SubmitFails(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Invalid request"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"submit", "--agent", "support-triage", "--input", "s3://payloads/bad"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "Submit failed (400)") {
		t.Errorf("expected submit failed message, got: %s", output)
	}
}

func TestSubmitCommand_WithVersionAndDeployment(t *testing.T) {
	resetViper()

	var capturedVersion, capturedDeployment string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if v, ok := reqBody["version"].(string); ok {
			capturedVersion = v
		}
		if d, ok := reqBody["deployment_id"].(string); ok {
			capturedDeployment = d
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.SubmitRunResponse{RunID: "run-pinned"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"submit", "--agent", "billing-audit", "--version", "v3", "--deployment", "dep-canary", "--input", "s3://payloads/inv-9"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedVersion != "v3" {
		t.Errorf("expected version=v3, got %s", capturedVersion)
	}
	if capturedDeployment != "dep-canary" {
		t.Errorf("expected deployment_id=dep-canary, got %s", capturedDeployment)
	}
}

func TestSubmitCommand_WaitPrintsFinalStatus(t *testing.T) {
	resetViper()

	polled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/runs" && r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(api.SubmitRunResponse{RunID: "run-wait-1"})
			return
		}

		if r.URL.Path == "/runs/run-wait-1" && r.Method == http.MethodGet {
			polled = true
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(api.RunResponse{
				ID:               "run-wait-1",
				AgentID:          "support-triage",
				Status:           api.RunStatusCompleted,
				DeliveryAttempts: 1,
				InputRef:         "s3://payloads/ticket-123",
				Result:           json.RawMessage(`{"resolution":"refunded"}`),
			})
			return
		}

		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"submit", "--agent", "support-triage", "--input", "s3://payloads/ticket-123", "--wait"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !polled {
		t.Error("expected run endpoint to be polled")
	}

	output := stdout.String()
	if !strings.Contains(output, "Run Details") {
		t.Errorf("expected run details after wait, got: %s", output)
	}
	if !strings.Contains(output, "completed") {
		t.Errorf("expected completed status, got: %s", output)
	}
	if !strings.Contains(output, "refunded") {
		t.Errorf("expected result in output, got: %s", output)
	}
}
