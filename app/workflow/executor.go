package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/osflow/osflow/app/conditions"
	"github.com/osflow/osflow/app/enums"
)

// TaskRequest is passed to executor for a single task
type TaskRequest struct {
	JobID             string         `json:"job_id"`
	Task              enums.TaskName `json:"task"`
	WorkflowTimestamp string         `json:"workflow_timestamp"`
	Input             map[string]any `json:"config"`
}

// Executor runs a single task and returns its result payload.
// The payload must be a json object with "status" field, "success" means the task succeeded.
type Executor interface {
	Execute(ctx context.Context, req TaskRequest) (json.RawMessage, error)
}

// ExecutorFunc is an adapter to allow the use of ordinary functions as Executor
type ExecutorFunc func(ctx context.Context, req TaskRequest) (json.RawMessage, error)

// Execute calls f(ctx, req)
func (f ExecutorFunc) Execute(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// ConditionChecker verifies host conditions, implemented by conditions.Checker
type ConditionChecker interface {
	Check(ctx context.Context, cond conditions.Config) (bool, string)
}

// CommandExecutor runs task as a shell command.
// Request is passed as json on stdin and as OSFLOW_* environment. The command reports its result by writing
// json object to the file named in OSFLOW_RESULT_FILE, no result file with zero exit code means success.
type CommandExecutor struct {
	Spec            ExecutorSpec
	Checker         ConditionChecker // optional
	Stdout          io.Writer        // command output copied here, os.Stdout if nil
	EnableLogPrefix bool
	Now             func() time.Time
}

// Execute runs the command for the request
func (e *CommandExecutor) Execute(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	if e.Spec.Conditions != nil && e.Checker != nil {
		if ok, reason := e.Checker.Check(ctx, *e.Spec.Conditions); !ok {
			return nil, fmt.Errorf("conditions not met: %s", reason)
		}
	}

	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	command, err := newCommandTemplate(now, req).Parse(e.Spec.Command)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("can't encode task request: %w", err)
	}

	resFile, err := os.CreateTemp("", "osflow-"+req.Task.String()+"-*.json")
	if err != nil {
		return nil, fmt.Errorf("can't make result file: %w", err)
	}
	resName := resFile.Name()
	_ = resFile.Close()
	defer os.Remove(resName)

	if e.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Spec.Timeout)
		defer cancel()
	}

	stdout := e.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	if e.EnableLogPrefix {
		stdout = newLogPrefixer(stdout, req.JobID, req.Task.String())
	}
	tail := newOutputTail(e.Spec.MaxLogLines)
	out := io.MultiWriter(tail, stdout)

	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // operator-provided command
	cmd.Dir = e.Spec.WorkDir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second // children of sh may keep output open after kill
	cmd.Env = append(os.Environ(), e.Spec.Env...)
	cmd.Env = append(cmd.Env,
		"OSFLOW_JOB_ID="+req.JobID,
		"OSFLOW_TASK="+req.Task.String(),
		"OSFLOW_WORKFLOW_TIMESTAMP="+req.WorkflowTimestamp,
		"OSFLOW_RESULT_FILE="+resName,
	)

	log.Printf("[INFO] executing %s for job %s: %s", req.Task, req.JobID, command)
	st := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %v: %w", e.Spec.Timeout, err)
		}
		if output := tail.String(); output != "" {
			return nil, fmt.Errorf("command failed: %w\n\n%s", err, output)
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}
	log.Printf("[DEBUG] %s for job %s finished in %v", req.Task, req.JobID, time.Since(st).Truncate(time.Millisecond))

	data, err := os.ReadFile(resName) //nolint:gosec // temp file made above
	if err != nil {
		return nil, fmt.Errorf("can't read result file: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage(`{"status":"success"}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("result is not a json object: %w", err)
	}
	return data, nil
}
