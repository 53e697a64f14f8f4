package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int{80, 8000, 8080, 8899}, cfg.Scanner.OnvifPorts)
	assert.Equal(t, []int{554, 8554}, cfg.Scanner.RTSPPorts)
	assert.Equal(t, 64, cfg.Scanner.Concurrency)
	assert.Equal(t, 1500, cfg.Scanner.Timeout)
	assert.Equal(t, 4000, cfg.Discovery.Window)
	assert.Equal(t, 5000, cfg.Probe.Timeout)
	assert.Equal(t, "rtsp", cfg.Probe.Backend)
	assert.False(t, cfg.RabbitMQ.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CAMSCAN_PROBE_TIMEOUT", "2500")
	t.Setenv("CAMSCAN_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.Probe.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yml := `
scanner:
  rtsp_ports: [554]
credentials:
  list:
    - username: admin
      password: "12345"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{554}, cfg.Scanner.RTSPPorts)

	creds, err := cfg.Credentials.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []camera.Credential{{Username: "admin", Password: "12345"}}, creds)
}

func TestResolveKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
credentials:
  - username: root
    password: pass
  - username: admin
    password: ""
`), 0o600))

	c := CredentialsConfig{
		List: []CredentialEntry{{Username: "admin", Password: "admin"}},
		File: path,
	}
	creds, err := c.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []camera.Credential{
		{Username: "admin", Password: "admin"},
		{Username: "root", Password: "pass"},
		{Username: "admin", Password: ""},
	}, creds)
}

func TestLoadCredentialsErrors(t *testing.T) {
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("credentials: [unterminated"), 0o600))
	_, err = LoadCredentials(path)
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
