package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conscious-bot/core/internal/config"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, config.Validate(&cfg))
}

func TestValidate_HazardousExceedsRoutine(t *testing.T) {
	cfg := config.Defaults()
	cfg.Loop.HazardousMs = 300
	cfg.Loop.RoutineMs = 200
	require.Error(t, config.Validate(&cfg))
}

func TestValidate_BadPolicy(t *testing.T) {
	cfg := config.Defaults()
	cfg.Reduction.Policy = "yolo"
	require.Error(t, config.Validate(&cfg))
}

func TestValidate_HysteresisOrder(t *testing.T) {
	cfg := config.Defaults()
	cfg.Signals.Rules["health"] = config.NeedRule{HysteresisLow: 0.9, HysteresisHigh: 0.1}
	require.Error(t, config.Validate(&cfg))
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/conscious-core.yaml")
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Loop.HazardousMs)
}

func TestLoad_EnvOverlayWins(t *testing.T) {
	t.Setenv("LOOP_TARGET_MS", "33")
	t.Setenv("SAFEMODE_THRESHOLD", "7")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 33, cfg.Loop.HazardousMs)
	require.Equal(t, 7, cfg.Safemode.Threshold)
}
