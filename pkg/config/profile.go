package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the host profile: which modules run and under what limits.
type Profile struct {
	// ModulesDir holds one subdirectory per available module.
	ModulesDir string `yaml:"modules_dir"`
	// Enabled lists the modules to activate, in administrator order.
	Enabled []string `yaml:"enabled"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	HostCall  HostCallConfig  `yaml:"host_call"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// SandboxConfig bounds guest instances.
type SandboxConfig struct {
	// MaxInstances caps concurrently live instances across all requests.
	MaxInstances int `yaml:"max_instances"`
	// MemoryLimitBytes caps one instance's linear memory.
	MemoryLimitBytes uint32 `yaml:"memory_limit_bytes"`
	// PoolWaitMs is how long instantiation waits for a free slot.
	PoolWaitMs int `yaml:"pool_wait_ms"`
	// OnArtifactFailure is "fail_fast" or "skip_with_dependents".
	OnArtifactFailure string `yaml:"on_artifact_failure"`
}

// DispatchConfig tunes extension-point dispatch.
type DispatchConfig struct {
	// TimeoutMs is the per-implementor watchdog deadline.
	TimeoutMs int `yaml:"timeout_ms"`
	// DenyShortCircuit stops a vote at the first deny.
	DenyShortCircuit bool `yaml:"deny_short_circuit"`
	// NeutralPolicy is a CEL expression over `identity` that resolves an
	// all-neutral vote. Empty means all-neutral denies.
	NeutralPolicy string `yaml:"neutral_policy"`
}

// ArtifactsConfig selects where module artifacts are fetched from. The
// default "file" backend reads paths relative to the module directory; "s3"
// fetches object keys from a bucket.
type ArtifactsConfig struct {
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// HostCallConfig rate-limits the capability surface.
type HostCallConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// DefaultProfile returns a profile usable for local development.
func DefaultProfile() *Profile {
	return &Profile{
		ModulesDir: "modules",
		Sandbox: SandboxConfig{
			MaxInstances:      64,
			MemoryLimitBytes:  16 << 20,
			PoolWaitMs:        50,
			OnArtifactFailure: "fail_fast",
		},
		Dispatch: DispatchConfig{
			TimeoutMs: 2000,
		},
		HostCall: HostCallConfig{
			RatePerSecond: 200,
			RateBurst:     50,
		},
		Artifacts: ArtifactsConfig{
			Backend: "file",
		},
	}
}

// LoadProfile reads and validates a host profile. Unset fields keep their
// defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects profiles the runtime cannot honor.
func (p *Profile) Validate() error {
	if p.ModulesDir == "" {
		return fmt.Errorf("modules_dir is required")
	}
	if p.Sandbox.MaxInstances <= 0 {
		return fmt.Errorf("sandbox.max_instances must be positive, got %d", p.Sandbox.MaxInstances)
	}
	if p.Dispatch.TimeoutMs <= 0 {
		return fmt.Errorf("dispatch.timeout_ms must be positive, got %d", p.Dispatch.TimeoutMs)
	}
	switch p.Sandbox.OnArtifactFailure {
	case "fail_fast", "skip_with_dependents":
	default:
		return fmt.Errorf("sandbox.on_artifact_failure must be fail_fast or skip_with_dependents, got %q", p.Sandbox.OnArtifactFailure)
	}
	switch p.Artifacts.Backend {
	case "file":
	case "s3":
		if p.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be file or s3, got %q", p.Artifacts.Backend)
	}
	return nil
}

// DispatchTimeout returns the watchdog deadline as a duration.
func (p *Profile) DispatchTimeout() time.Duration {
	return time.Duration(p.Dispatch.TimeoutMs) * time.Millisecond
}

// PoolWait returns the instantiation wait as a duration.
func (p *Profile) PoolWait() time.Duration {
	return time.Duration(p.Sandbox.PoolWaitMs) * time.Millisecond
}
