// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/observability"
)

// createTempConfig writes a config file that keeps logging quiet, plus any
// extra YAML, and returns its path.
func createTempConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf("logger:\n  level: fatal\n  service_name: test\n%s", extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// executeCommand runs a fresh command tree with args and returns everything it
// printed.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	t.Setenv("WAYPOINT_DATABASE_URL", "")

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// newCaptureCmd captures the configuration the root command hands to subcommands.
func newCaptureCmd(out **config.Config) *cobra.Command {
	return &cobra.Command{
		Use: "capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			*out = cfg
			return err
		},
	}
}

func TestVersion(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "waypoint "+Version+"\n", out)

	out, err = executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootLoadsConfigFile(t *testing.T) {
	var loaded *config.Config
	root := NewRootCommand()
	root.AddCommand(newCaptureCmd(&loaded))

	path := createTempConfig(t, "planners:\n  default: guided\nengine:\n  worker_concurrency: 3\n")
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	root.SetArgs([]string{"capture", "--config", path})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.NotNil(t, loaded)
	assert.Equal(t, "guided", loaded.Planners().Default)
	assert.Equal(t, 3, loaded.Engine().WorkerConcurrency)
	assert.Equal(t, 64, loaded.Planning().MaxLinksPerAbility, "unset keys keep their defaults")
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	_, err := executeCommand(t, "matrix", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to initialize configuration")
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	path := createTempConfig(t, "engine:\n  worker_concurrency: 0\n")
	_, err := executeCommand(t, "matrix", "--config", path)
	assert.ErrorContains(t, err, "worker_concurrency")
}

func TestRootReadsEnvironment(t *testing.T) {
	var loaded *config.Config
	root := NewRootCommand()
	root.AddCommand(newCaptureCmd(&loaded))

	t.Setenv("WAYPOINT_PLANNERS_DEFAULT", "bayes")
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	root.SetArgs([]string{"capture", "--config", createTempConfig(t, "")})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.NotNil(t, loaded)
	assert.Equal(t, "bayes", loaded.Planners().Default)
}

func TestConfigFromContext(t *testing.T) {
	_, err := configFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := configFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
