package collaborators

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
)

// Runner invokes the test command for one execution. Exit code 0 is a
// pass; nonzero is a fail. Stdout/stderr are not parsed beyond exit
// status (§6.3).
type Runner interface {
	Run(ctx context.Context, testsDir, reportDir, grep string, env map[string]string) (exitCode int, err error)
}

// SimulateRunner never spawns a process. It writes a trivial HTML
// report directly to reportDir (the literal target file for
// mode=simulate, per spec.md §4.5's "<reportRoot>/<id>.html") and always
// reports a pass.
type SimulateRunner struct{}

func (SimulateRunner) Run(ctx context.Context, testsDir, reportDir, grep string, env map[string]string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(reportDir), 0o755); err != nil {
		return 1, fmt.Errorf("simulate runner: preparing report dir: %w", err)
	}
	html := fmt.Sprintf(
		"<!doctype html><html><head><title>simulated run</title></head><body><h1>simulated</h1><p>testsDir=%s</p></body></html>",
		testsDir,
	)
	if err := os.WriteFile(reportDir, []byte(html), 0o644); err != nil {
		return 1, fmt.Errorf("simulate runner: writing report: %w", err)
	}
	return 0, nil
}

// ProcessRunner spawns a real child process via os/exec.CommandContext,
// grounded on the teacher's panic-recovered, context-bound goroutine
// execution pattern in TaskWorkerPool.executeHandler: the process is
// bound to ctx so cancellation (the Executor's hard timeout, or an
// EXECUTION_CANCEL signal) terminates it, and a recover() guards the
// caller against any panic in argument/environment bookkeeping.
// reportDir is treated as an output directory (mode=process writes
// "<reportRoot>/<id>/index.html" per spec.md §4.5).
type ProcessRunner struct {
	Command  string
	BaseArgs []string
}

func (p ProcessRunner) Run(ctx context.Context, testsDir, reportDir, grep string, env map[string]string) (exitCode int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			exitCode = 1
			err = fmt.Errorf("process runner panic: %v\n%s", rec, debug.Stack())
		}
	}()

	if mkErr := os.MkdirAll(reportDir, 0o755); mkErr != nil {
		return 1, fmt.Errorf("process runner: preparing output dir: %w", mkErr)
	}

	command := p.Command
	if command == "" {
		command = "npx"
	}
	args := p.BaseArgs
	if len(args) == 0 {
		args = []string{"playwright", "test"}
	}
	args = append(append([]string{}, args...), "--output="+reportDir)
	if grep != "" {
		args = append(args, "--grep", grep)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = testsDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	runErr := cmd.Run()
	if runErr == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("process runner: %w", runErr)
}

var (
	_ Runner = SimulateRunner{}
	_ Runner = ProcessRunner{}
)
