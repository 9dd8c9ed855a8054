package commands

import (
	"testing"

	"github.com/chenxiaolong/MirrorMobile/internal/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeStates(t *testing.T) {
	states := describeStates()
	require.Len(t, states, 12)

	assert.Equal(t, "ParkedInitial", states[0].State)
	assert.False(t, states[0].Service)

	last := states[len(states)-1]
	assert.Equal(t, "Mirroring", last.State)
	assert.True(t, last.Service)
	assert.True(t, last.Surface)
	assert.Equal(t, "Stop mirroring", last.Button)
	assert.Contains(t, last.Supported, "StopMirroring")
}

func newServeFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("permission", "", "")
	cmd.Flags().String("source", "", "")
	cmd.Flags().Bool("headless", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Defaults()
	cmd := newServeFlags(t, "--port", "9090", "--permission", "auto", "--source", "pattern", "--headless", "--log-level", "debug")

	require.NoError(t, applyFlags(cmd, cfg))
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, config.PermissionModeAuto, cfg.Permission.Mode)
	assert.Equal(t, config.SourcePattern, cfg.Capture.Source)
	assert.False(t, cfg.Host.Enabled)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestApplyFlags_Invalid(t *testing.T) {
	cfg := config.Defaults()
	cmd := newServeFlags(t, "--permission", "sometimes")

	assert.Error(t, applyFlags(cmd, cfg))
}

func TestApplyFlags_NoneSet(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, applyFlags(newServeFlags(t), cfg))
	assert.Equal(t, config.Defaults(), cfg)
}
