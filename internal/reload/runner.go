package reload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrSpawn = errors.New("failed to spawn reloader")

// RunResult is what a finished reloader process reported.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes the reload tool and waits for it. A non-nil error means
// the process could not be started or waited on; a nonzero exit is reported
// through RunResult.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd string, args ...string) (RunResult, error)
}

// ExecRunner runs commands as local child processes.
type ExecRunner struct {
	// Dir is the child working directory; empty inherits the agent's.
	Dir string
}

func (r ExecRunner) Run(ctx context.Context, cmd string, args ...string) (RunResult, error) {
	command := exec.CommandContext(ctx, cmd, args...)
	command.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Start(); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	err := command.Wait()
	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to wait for reloader: %w", err)
	}
	return res, nil
}

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(args, " ")
}
