package config_test

import (
	"path/filepath"
	"testing"

	"github.com/peteryuqin/harmonycode/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingConfigReturnsDefaults(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := config.Load(workspace)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8787", cfg.BindAddr)
	require.Equal(t, 5, cfg.LockTTLSeconds)
	require.Equal(t, config.SwarmDistributed, cfg.SwarmMode)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := config.Load(workspace)
	require.NoError(t, err)
	cfg.BindAddr = "0.0.0.0:9999"
	cfg.TaskTimeoutSeconds = 120
	cfg.DiversityStrict = true

	require.NoError(t, config.Save(cfg))
	require.FileExists(t, filepath.Join(workspace, ".harmonycode", "config.json"))

	reloaded, err := config.Load(workspace)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", reloaded.BindAddr)
	require.Equal(t, 120, reloaded.TaskTimeoutSeconds)
	require.True(t, reloaded.DiversityStrict)
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := config.Load(workspace)
	require.NoError(t, err)
	f1 := cfg.Fingerprint()
	cfg.BindAddr = "0.0.0.0:1"
	f2 := cfg.Fingerprint()
	require.NotEqual(t, f1, f2)
}

func TestLoadDiversityProfileDefaultsToBaselinePerspectives(t *testing.T) {
	workspace := t.TempDir()
	profile, err := config.LoadDiversityProfile(workspace)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"SKEPTIC", "ANALYTICAL"}, profile.RequiredPerspectives)
}
