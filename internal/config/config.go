// Package config loads and persists the workspace-rooted server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SwarmMode controls whether newly created tasks are auto-assigned.
type SwarmMode string

const (
	SwarmCentralized  SwarmMode = "centralized"
	SwarmDistributed  SwarmMode = "distributed"
	SwarmHierarchical SwarmMode = "hierarchical"
)

// Config is the server's workspace-rooted configuration, persisted as
// config.json under the workspace root.
type Config struct {
	WorkspaceDir string `yaml:"-" json:"-"`

	BindAddr string `yaml:"bind_addr" json:"bind_addr"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	AuthToken    string   `yaml:"auth_token" json:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins" json:"allow_origins"`

	SwarmMode SwarmMode `yaml:"swarm_mode" json:"swarm_mode"`

	LockTTLSeconds         int `yaml:"lock_ttl_seconds" json:"lock_ttl_seconds"`
	TaskTimeoutSeconds     int `yaml:"task_timeout_seconds" json:"task_timeout_seconds"`
	EditConflictWindowSecs int `yaml:"edit_conflict_window_seconds" json:"edit_conflict_window_seconds"`
	SweeperIntervalSeconds int `yaml:"sweeper_interval_seconds" json:"sweeper_interval_seconds"`

	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds" json:"snapshot_interval_seconds"`

	OutboundQueueDepth int `yaml:"outbound_queue_depth" json:"outbound_queue_depth"`

	DiversityEnabled            bool    `yaml:"diversity_enabled" json:"diversity_enabled"`
	DiversityStrict             bool    `yaml:"diversity_strict" json:"diversity_strict"`
	MinimumAgentsForDiversity   int     `yaml:"minimum_agents_for_diversity" json:"minimum_agents_for_diversity"`
	MinimumDiversity            float64 `yaml:"minimum_diversity" json:"minimum_diversity"`
	DisagreementQuota           float64 `yaml:"disagreement_quota" json:"disagreement_quota"`
	EvidenceThreshold           float64 `yaml:"evidence_threshold" json:"evidence_threshold"`
	AutoRotatePerspectives      bool    `yaml:"auto_rotate_perspectives" json:"auto_rotate_perspectives"`
	RotationIntervalMinutes     int     `yaml:"rotation_interval_minutes" json:"rotation_interval_minutes"`
}

// LockTTL returns the configured lock expiry as a duration, defaulting to 5s.
func (c Config) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TaskTimeout returns the configured task timeout, defaulting to 300s.
func (c Config) TaskTimeout() time.Duration {
	if c.TaskTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// EditConflictWindow returns the configured edit conflict window, defaulting to 5s.
func (c Config) EditConflictWindow() time.Duration {
	if c.EditConflictWindowSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.EditConflictWindowSecs) * time.Second
}

// SweeperInterval returns the lock sweeper tick interval, defaulting to 1s.
func (c Config) SweeperInterval() time.Duration {
	if c.SweeperIntervalSeconds <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.SweeperIntervalSeconds) * time.Second
}

// SnapshotInterval returns the orchestration snapshot interval, defaulting to 30s.
func (c Config) SnapshotInterval() time.Duration {
	if c.SnapshotIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, exposed in system status frames.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|swarm=%s|lockttl=%d|tasktimeout=%d|diversity=%v/%v",
		c.BindAddr, c.LogLevel, c.SwarmMode, c.LockTTLSeconds, c.TaskTimeoutSeconds,
		c.DiversityEnabled, c.DiversityStrict)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                   "127.0.0.1:8787",
		LogLevel:                   "info",
		SwarmMode:                  SwarmDistributed,
		LockTTLSeconds:             5,
		TaskTimeoutSeconds:         300,
		EditConflictWindowSecs:     5,
		SweeperIntervalSeconds:     1,
		SnapshotIntervalSeconds:    30,
		OutboundQueueDepth:         256,
		DiversityEnabled:           true,
		DiversityStrict:            false,
		MinimumAgentsForDiversity:  3,
		MinimumDiversity:           0.3,
		DisagreementQuota:          0.3,
		EvidenceThreshold:          0.4,
		AutoRotatePerspectives:     true,
		RotationIntervalMinutes:    30,
	}
}

// Path returns the workspace config file path, following the teacher's
// single-file-under-home-dir convention.
func Path(workspaceDir string) string {
	return filepath.Join(workspaceDir, ".harmonycode", "config.json")
}

// Load reads config.json from the workspace, falling back to defaults for a
// missing file so a fresh workspace can be started without `init`.
func Load(workspaceDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.WorkspaceDir = workspaceDir

	path := Path(workspaceDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.json: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.json: %w", err)
	}
	cfg.WorkspaceDir = workspaceDir
	return cfg, nil
}

// Save writes config.json atomically (write temp, rename), matching every
// other persisted file under the workspace.
func Save(cfg Config) error {
	dir := filepath.Join(cfg.WorkspaceDir, ".harmonycode")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	path := Path(cfg.WorkspaceDir)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config.json.tmp: %w", err)
	}
	return nil
}

// DiversityProfile is the seed perspective-profile configuration, loaded from
// diversity.yaml. It is the one workspace config surface that uses YAML
// (rather than the JSON wire/persistence layout named by the spec), matching
// the teacher's own split between config.yaml (human-edited) and JSON state
// snapshots (machine-written).
type DiversityProfile struct {
	RequiredPerspectives []string `yaml:"required_perspectives"`
	Seed                 int64    `yaml:"seed"`
}

// LoadDiversityProfile reads diversity.yaml, returning a zero-value profile
// (no fixed seed, baseline required perspectives) if the file is absent.
func LoadDiversityProfile(workspaceDir string) (DiversityProfile, error) {
	path := filepath.Join(workspaceDir, ".harmonycode", "diversity.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DiversityProfile{RequiredPerspectives: []string{"SKEPTIC", "ANALYTICAL"}}, nil
		}
		return DiversityProfile{}, fmt.Errorf("read diversity.yaml: %w", err)
	}
	var profile DiversityProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return DiversityProfile{}, fmt.Errorf("parse diversity.yaml: %w", err)
	}
	if len(profile.RequiredPerspectives) == 0 {
		profile.RequiredPerspectives = []string{"SKEPTIC", "ANALYTICAL"}
	}
	return profile, nil
}
