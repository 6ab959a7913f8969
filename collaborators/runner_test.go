package collaborators

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulateRunnerWritesHTMLReport(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "exec-1.html")

	exitCode, err := SimulateRunner{}.Run(context.Background(), "./tests", reportPath, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "simulated")
}

func TestProcessRunnerReturnsExitCodeFromChild(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "exec-2")

	runner := ProcessRunner{Command: "sh", BaseArgs: []string{"-c", "exit 0"}}
	exitCode, err := runner.Run(context.Background(), dir, outDir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
}

func TestProcessRunnerReturnsNonzeroExitCode(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "exec-3")

	runner := ProcessRunner{Command: "sh", BaseArgs: []string{"-c", "exit 7"}}
	exitCode, err := runner.Run(context.Background(), dir, outDir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, exitCode)
}
