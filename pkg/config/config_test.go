package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLINTH_PROFILE", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()
	require.Equal(t, "profile.yaml", cfg.ProfilePath)
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, "plinthd", cfg.JWTIssuer)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PLINTH_PROFILE", "/etc/plinth/site.yaml")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("PLINTH_JWT_KEY", "secret")

	cfg := Load()
	require.Equal(t, "/etc/plinth/site.yaml", cfg.ProfilePath)
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, "secret", cfg.JWTKey)
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
modules_dir: /srv/plinth/modules
enabled: [comments, moderation]
sandbox:
  max_instances: 8
  memory_limit_bytes: 4194304
  on_artifact_failure: skip_with_dependents
dispatch:
  timeout_ms: 500
  neutral_policy: '"editor" in identity.roles'
host_call:
  rate_per_second: 50
artifacts:
  backend: s3
  bucket: plinth-artifacts
  region: us-east-1
  endpoint: http://localhost:9000
  prefix: modules/
`)
	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/plinth/modules", p.ModulesDir)
	require.Equal(t, []string{"comments", "moderation"}, p.Enabled)
	require.Equal(t, 8, p.Sandbox.MaxInstances)
	require.Equal(t, "skip_with_dependents", p.Sandbox.OnArtifactFailure)
	require.Equal(t, 500*time.Millisecond, p.DispatchTimeout())
	// Unset fields keep defaults.
	require.Equal(t, 50*time.Millisecond, p.PoolWait())
	require.Equal(t, 50.0, p.HostCall.RatePerSecond)
	require.Equal(t, 50, p.HostCall.RateBurst)
	require.Equal(t, "s3", p.Artifacts.Backend)
	require.Equal(t, "plinth-artifacts", p.Artifacts.Bucket)
	require.Equal(t, "modules/", p.Artifacts.Prefix)
}

func TestLoadProfileValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad failure policy", "sandbox: {on_artifact_failure: explode}", "on_artifact_failure"},
		{"zero instances", "sandbox: {max_instances: -1}", "max_instances"},
		{"empty modules dir", `modules_dir: ""`, "modules_dir"},
		{"unknown artifact backend", "artifacts: {backend: ftp}", "artifacts.backend"},
		{"s3 without bucket", "artifacts: {backend: s3}", "artifacts.bucket"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadProfile(writeProfile(t, tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
