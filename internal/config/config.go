// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables (.env file)
// into the configuration surface the priority orchestrator needs: timezone, universe
// source, provider credentials, per-priority deadlines, the daily API budget, worker
// concurrency, history thresholds, delisting agreement, scoring weights and the
// confidence threshold.
//
// Configuration Loading Order:
// 1. Load from .env file (if present)
// 2. Read environment variables with defaults
// 3. Validate (fails fast on malformed values; ConfigurationError is fatal at startup only)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantdesk/marketpipe/internal/ratios"
)

// ProviderCredential is a single API key/secret pair addressed to a provider.
type ProviderCredential struct {
	ID     string // opaque identifier, used for per-key rate-limit bookkeeping
	APIKey string
	Secret string // optional, empty for keyless providers
}

// ProviderConfig describes one configured data provider and its failover rank.
type ProviderConfig struct {
	Name        string   // adapter name, e.g. "alpha", "figi", "fx"
	Rank        int      // lower runs first in the failover chain
	Capabilities []string // subset of {price_quote, price_history, fundamentals_snapshot, earnings_calendar, analyst_recommendations, existence_probe}
	Credentials []ProviderCredential
}

// Config holds the orchestrator's full configuration surface.
type Config struct {
	DataDir  string // base directory for the sqlite database file(s)
	LogLevel string // debug, info, warn, error
	Port     int    // admin HTTP server port

	Timezone              string // IANA string, e.g. "America/New_York"
	CronSchedule          string // standard 5-field cron expression for the daily run
	UniverseSource        string // opaque identifier for the ticker seed
	Providers             []ProviderConfig
	PriorityDeadlines     map[string]time.Duration // "P1".."P6" -> duration
	APICallBudgetTotal    int
	WorkerConcurrency     int
	MinHistoryBars        int
	TargetHistoryBars     int
	DelistingMinAgreement int
	ScoringWeights        map[string]float64 // must sum to 1.0
	SectorRanges          map[string]map[string]ratios.PlausibleRange // sector -> ratio -> plausible band
	ConfidenceThreshold   float64
	ForceRun              bool

	// Backup of persisted score history to S3-compatible storage (optional).
	BackupBucket   string
	BackupEndpoint string
}

// defaultPriorityDeadlines sets each priority's time budget within a run.
func defaultPriorityDeadlines() map[string]time.Duration {
	return map[string]time.Duration{
		"P1": 30 * time.Minute,
		"P2": 15 * time.Minute,
		"P3": 20 * time.Minute,
		"P4": 10 * time.Minute,
		"P5": 15 * time.Minute,
		"P6": 10 * time.Minute,
	}
}

// loadPriorityDeadlines applies defaultPriorityDeadlines and then lets
// MARKETPIPE_DEADLINE_P1..P6 override any individual priority, the same
// per-key override pattern every other duration/threshold in Load uses.
func loadPriorityDeadlines() map[string]time.Duration {
	defaults := defaultPriorityDeadlines()
	out := make(map[string]time.Duration, len(defaults))
	for p, d := range defaults {
		out[p] = getEnvAsDuration("MARKETPIPE_DEADLINE_"+p, d)
	}
	return out
}

// defaultScoringWeights sets the composite score's weighted groups.
func defaultScoringWeights() map[string]float64 {
	return map[string]float64{
		"fundamental": 0.25,
		"technical":   0.20,
		"value":       0.20,
		"signal":      0.10,
		"risk":        0.10,
		"vwap_sr":     0.15,
	}
}

// defaultSectorRanges defers to the ratio engine's own default table rather
// than duplicating the literal, since config already has to import the type.
func defaultSectorRanges() map[string]map[string]ratios.PlausibleRange {
	return ratios.DefaultSectorRanges()
}

// Load reads configuration from environment variables.
//
// dataDirOverride, if non-empty, takes priority over MARKETPIPE_DATA_DIR and the
// "./data" default.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	dataDir := ""
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("MARKETPIPE_DATA_DIR", "./data")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  dataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8090),

		Timezone:              getEnv("MARKETPIPE_TIMEZONE", "America/New_York"),
		CronSchedule:          getEnv("MARKETPIPE_CRON_SCHEDULE", "30 6 * * *"),
		UniverseSource:        getEnv("MARKETPIPE_UNIVERSE_SOURCE", "default"),
		Providers:             loadProviders(),
		PriorityDeadlines:     loadPriorityDeadlines(),
		APICallBudgetTotal:    getEnvAsInt("MARKETPIPE_API_BUDGET", 2500),
		WorkerConcurrency:     getEnvAsInt("MARKETPIPE_WORKER_CONCURRENCY", 8),
		MinHistoryBars:        getEnvAsInt("MARKETPIPE_MIN_HISTORY_BARS", 100),
		TargetHistoryBars:     getEnvAsInt("MARKETPIPE_TARGET_HISTORY_BARS", 200),
		DelistingMinAgreement: getEnvAsInt("MARKETPIPE_DELISTING_MIN_AGREEMENT", 2),
		ScoringWeights:        getEnvAsWeights("MARKETPIPE_SCORING_WEIGHTS_JSON", defaultScoringWeights()),
		SectorRanges:          getEnvAsSectorRanges("MARKETPIPE_SECTOR_RANGES_JSON", defaultSectorRanges()),
		ConfidenceThreshold:   getEnvAsFloat("MARKETPIPE_CONFIDENCE_THRESHOLD", 0.70),
		ForceRun:              getEnvAsBool("MARKETPIPE_FORCE_RUN", false),

		BackupBucket:   getEnv("MARKETPIPE_BACKUP_BUCKET", ""),
		BackupEndpoint: getEnv("MARKETPIPE_BACKUP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadProviders builds the ordered provider list from environment variables.
// Each provider's API keys are read as a comma-separated list from
// MARKETPIPE_<PREFIX>_API_KEYS; a provider with
// no key configured is still included (some adapters, e.g. "fx", are keyless).
func loadProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:         "alpha",
			Rank:         0,
			Capabilities: []string{"price_quote", "price_history", "fundamentals_snapshot", "earnings_calendar", "existence_probe"},
			Credentials:  loadCredentials("ALPHA"),
		},
		{
			Name:         "finnhub",
			Rank:         1,
			Capabilities: []string{"price_quote", "earnings_calendar", "analyst_recommendations", "existence_probe"},
			Credentials:  loadCredentials("FINNHUB"),
		},
		{
			Name:         "figi",
			Rank:         2,
			Capabilities: []string{"fundamentals_snapshot", "existence_probe"},
			Credentials:  loadCredentials("FIGI"),
		},
		{
			Name:         "fx",
			Rank:         3,
			Capabilities: []string{"price_quote", "existence_probe"},
			Credentials:  loadCredentials("FX"),
		},
	}
}

// loadCredentials parses a comma-separated MARKETPIPE_<PREFIX>_API_KEYS list into
// one credential per key, so a provider can be configured with several rotating
// accounts.
func loadCredentials(prefix string) []ProviderCredential {
	raw := getEnv("MARKETPIPE_"+prefix+"_API_KEYS", "")
	if raw == "" {
		return []ProviderCredential{{ID: prefix + "-0", APIKey: ""}}
	}
	keys := strings.Split(raw, ",")
	creds := make([]ProviderCredential, 0, len(keys))
	for i, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		creds = append(creds, ProviderCredential{ID: fmt.Sprintf("%s-%d", prefix, i), APIKey: k})
	}
	if len(creds) == 0 {
		creds = append(creds, ProviderCredential{ID: prefix + "-0", APIKey: ""})
	}
	return creds
}

// Validate checks the configuration for internal consistency. A malformed
// config is a ConfigurationError and is fatal at startup only.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("configuration error: invalid timezone %q: %w", c.Timezone, err)
	}
	if c.APICallBudgetTotal <= 0 {
		return fmt.Errorf("configuration error: api_call_budget_total must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("configuration error: worker_concurrency must be positive")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("configuration error: confidence_threshold must be in [0,1]")
	}
	sum := 0.0
	for _, w := range c.ScoringWeights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("configuration error: scoring_weights must sum to 1.0, got %f", sum)
	}
	for _, p := range []string{"P1", "P2", "P3", "P4", "P5", "P6"} {
		if _, ok := c.PriorityDeadlines[p]; !ok {
			return fmt.Errorf("configuration error: missing priority_deadline for %s", p)
		}
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsWeights parses a JSON-encoded group -> weight map, falling back to
// defaultValue when unset or malformed. Validate still enforces the sum-to-1
// invariant on whatever this returns.
func getEnvAsWeights(key string, defaultValue map[string]float64) map[string]float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var parsed map[string]float64
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || len(parsed) == 0 {
		return defaultValue
	}
	return parsed
}

// getEnvAsSectorRanges parses a JSON-encoded sector -> ratio -> {min,max}
// table, falling back to defaultValue when unset or malformed (a malformed
// override should not turn every ratio's plausibility check off).
func getEnvAsSectorRanges(key string, defaultValue map[string]map[string]ratios.PlausibleRange) map[string]map[string]ratios.PlausibleRange {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var parsed map[string]map[string]ratios.PlausibleRange
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return defaultValue
	}
	return parsed
}
