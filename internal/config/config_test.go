package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Timezone:            "America/New_York",
		APICallBudgetTotal:  2500,
		WorkerConcurrency:   8,
		ConfidenceThreshold: 0.70,
		ScoringWeights:      defaultScoringWeights(),
		PriorityDeadlines:   defaultPriorityDeadlines(),
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())
}

func TestValidate_RejectsBadTimezone(t *testing.T) {
	cfg := validConfig(t)
	cfg.Timezone = "Not/AZone"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsWeightsNotSummingToOne(t *testing.T) {
	cfg := validConfig(t)
	cfg.ScoringWeights["risk"] += 0.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsMissingPriorityDeadline(t *testing.T) {
	cfg := validConfig(t)
	delete(cfg.PriorityDeadlines, "P3")
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveBudgetAndConcurrency(t *testing.T) {
	cfg := validConfig(t)
	cfg.APICallBudgetTotal = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig(t)
	cfg.WorkerConcurrency = -1
	assert.Error(t, cfg.Validate())
}

func TestGetEnvAsWeights_OverridesFromJSON(t *testing.T) {
	t.Setenv("TEST_WEIGHTS", `{"fundamental":0.5,"technical":0.5}`)
	w := getEnvAsWeights("TEST_WEIGHTS", defaultScoringWeights())
	assert.Equal(t, 0.5, w["fundamental"])
	assert.Len(t, w, 2)
}

func TestGetEnvAsWeights_MalformedFallsBackToDefault(t *testing.T) {
	t.Setenv("TEST_WEIGHTS", `{broken`)
	w := getEnvAsWeights("TEST_WEIGHTS", defaultScoringWeights())
	assert.Equal(t, defaultScoringWeights(), w)
}

func TestLoadPriorityDeadlines_EnvOverridesSinglePriority(t *testing.T) {
	t.Setenv("MARKETPIPE_DEADLINE_P3", "1s")
	deadlines := loadPriorityDeadlines()
	assert.Equal(t, time.Second, deadlines["P3"])
	assert.Equal(t, 30*time.Minute, deadlines["P1"])
}
