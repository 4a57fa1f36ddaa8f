package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultWaitDelay bounds how long a cancelled process may take to exit
// after SIGTERM before it is killed.
const DefaultWaitDelay = 10 * time.Second

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout followed by stderr.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner runs an external process and waits for it. A non-zero exit code is
// reported in Result, not as an error; errors mean the process could not be
// started or was interrupted by ctx.
type Runner interface {
	Run(ctx context.Context, name string, args []string, env []string) (Result, error)
}

// ExecRunner runs processes with os/exec, capturing stdout and stderr
// separately.
type ExecRunner struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
}

// Run implements Runner. env entries are appended to the current environment.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, env []string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = DefaultWaitDelay
	if r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("launcher: %s interrupted: %w", name, ctxErr)
		}
		return result, nil
	}
	return result, fmt.Errorf("launcher: start %s: %w", name, err)
}
