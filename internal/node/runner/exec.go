package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// ExitCodePermanent is the exit code a harness uses to declare a
// failure permanent. Any other non-zero exit is reported as retryable.
const ExitCodePermanent = 100

// maxCapturedOutput bounds how much harness output is kept per stream.
const maxCapturedOutput = 1 << 20 // 1 MiB

// ExecRunner executes runs by spawning a harness process per task. The
// harness receives the task through RUNPLANE_* environment variables,
// runs in a task-private working directory, and prints its result
// document to stdout.
type ExecRunner struct {
	// Command is the harness argv. Required.
	Command []string
	// WorkDir is the base directory for per-task working directories.
	WorkDir string
}

// NewExecRunner creates a process-based runner rooted at workDir, or a
// directory under the system temp dir when workDir is empty.
func NewExecRunner(command []string, workDir string) *ExecRunner {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "runplane", "runner")
	}
	return &ExecRunner{Command: command, WorkDir: workDir}
}

// harnessEnvelope is the optional structured form of harness output:
// a result document plus usage accounting.
type harnessEnvelope struct {
	Result json.RawMessage `json:"result"`
	Usage  *struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		USD          float64 `json:"usd"`
	} `json:"usage"`
}

// Run spawns the harness and waits for it. Exit code 0 is success and
// stdout becomes the result; ExitCodePermanent marks the failure
// non-retryable; other exits and timeouts are retryable failures with
// the stderr tail as detail.
func (r *ExecRunner) Run(ctx context.Context, task Task) (*Result, error) {
	if len(r.Command) == 0 {
		return nil, &Failure{Message: "runner command is required", Retryable: false}
	}

	dir := filepath.Join(r.WorkDir, task.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task workdir: %w", err)
	}

	var stdout, stderr boundedBuffer
	stdout.limit = maxCapturedOutput
	stderr.limit = maxCapturedOutput

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"RUNPLANE_RUN_ID="+task.RunID,
		"RUNPLANE_AGENT_ID="+task.AgentID,
		"RUNPLANE_AGENT_VERSION="+task.Version,
		"RUNPLANE_PAYLOAD_REF="+task.PayloadRef,
		"RUNPLANE_DELIVERY_ATTEMPT="+strconv.Itoa(task.Attempt),
	)

	err := cmd.Run()
	if err == nil {
		return parseResult(stdout.buf.Bytes()), nil
	}

	if ctx.Err() != nil {
		return nil, &Failure{
			Message:   fmt.Sprintf("execution cancelled: %v", ctx.Err()),
			Details:   failureDetails(&stderr),
			Retryable: true,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return nil, &Failure{
			Message:   fmt.Sprintf("harness exited with code %d", code),
			Details:   failureDetails(&stderr),
			Retryable: code != ExitCodePermanent,
		}
	}

	// The process never started: missing binary, permission problem.
	return nil, &Failure{
		Message:   fmt.Sprintf("failed to start harness: %v", err),
		Retryable: false,
	}
}

// parseResult interprets harness stdout. A JSON envelope with a result
// field supplies both the result document and usage; any other valid
// JSON is the result itself; non-JSON output is wrapped as a string so
// the stored result is always valid JSON.
func parseResult(raw []byte) *Result {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &Result{Output: json.RawMessage(`null`)}
	}

	var envelope harnessEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Result != nil {
		res := &Result{Output: envelope.Result}
		if envelope.Usage != nil {
			res.InputTokens = envelope.Usage.InputTokens
			res.OutputTokens = envelope.Usage.OutputTokens
			res.CostUSD = envelope.Usage.USD
		}
		return res
	}

	if json.Valid(trimmed) {
		return &Result{Output: json.RawMessage(trimmed)}
	}

	quoted, _ := json.Marshal(string(trimmed))
	return &Result{Output: quoted}
}

// failureDetails packages the captured stderr as a JSON detail object,
// or nil when the harness printed nothing.
func failureDetails(stderr *boundedBuffer) json.RawMessage {
	tail := bytes.TrimSpace(stderr.buf.Bytes())
	if len(tail) == 0 {
		return nil
	}
	detail, err := json.Marshal(map[string]string{"stderr": string(tail)})
	if err != nil {
		return nil
	}
	return detail
}

// boundedBuffer captures up to limit bytes and silently drops the rest,
// so a harness that floods stdout cannot exhaust the agent's memory.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
