package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ".", cfg.TraceDir)
	assert.False(t, cfg.Debug)
	assert.EqualValues(t, 0, cfg.CallbackAt)
	assert.Equal(t, ForkRefuse, cfg.ForkPolicy)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvTraceDir, "/tmp/traces")
	t.Setenv(EnvDebugTrace, "1")
	t.Setenv(EnvCallbackAt, "17")

	cfg := FromEnv(Default())
	assert.Equal(t, "/tmp/traces", cfg.TraceDir)
	assert.True(t, cfg.Debug)
	assert.EqualValues(t, 17, cfg.CallbackAt)
}

func TestFromEnvIgnoresBadCallback(t *testing.T) {
	t.Setenv(EnvCallbackAt, "not-a-number")
	cfg := FromEnv(Default())
	assert.EqualValues(t, 0, cfg.CallbackAt)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"trace_dir: /var/traces\ndebug: true\ncallback_at: 5\nfork_policy: respawn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/traces", cfg.TraceDir)
	assert.True(t, cfg.Debug)
	assert.EqualValues(t, 5, cfg.CallbackAt)
	assert.Equal(t, ForkRespawn, cfg.ForkPolicy)
}

func TestLoadRejectsUnknownForkPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fork_policy: inherit\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestTracePath(t *testing.T) {
	cfg := Default()
	cfg.TraceDir = "/var/traces"
	assert.Equal(t, "/var/traces/run.rtrc", cfg.TracePath("run.rtrc"))
	assert.Equal(t, "/elsewhere/run.rtrc", cfg.TracePath("/elsewhere/run.rtrc"))
}

func TestLoggerDisabledByDefault(t *testing.T) {
	cfg := Default()
	logger := cfg.Logger(os.Stderr)
	// A nop logger discards everything; this must not panic.
	logger.Info().Msg("ignored")

	cfg.Debug = true
	debugLogger := cfg.Logger(os.Stderr)
	assert.NotEqual(t, logger.GetLevel(), debugLogger.GetLevel())
}
