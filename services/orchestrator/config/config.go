// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config gathers the runtime's tunable knobs.
//
// Every knob has a working default: the service runs with no configuration
// at all. A YAML file (KESTREL_CONFIG_FILE) overrides defaults, and
// environment variables override the file, so containers can tweak single
// values without shipping a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port string `yaml:"port"`

	Provider Provider `yaml:"provider"`
	Breaker  Breaker  `yaml:"breaker"`
	Loop     Loop     `yaml:"loop"`
	Critic   Critic   `yaml:"critic"`
	Canary   Canary   `yaml:"canary"`
	Health   Health   `yaml:"health"`
	Trace    Trace    `yaml:"trace"`

	// CatalogFile optionally replaces the built-in model catalog.
	CatalogFile string `yaml:"catalog_file"`

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// APIKey, when set, is required as a bearer token on /v1 requests.
	APIKey string `yaml:"api_key"`

	Log Log `yaml:"log"`
}

// Log tunes structured logging.
type Log struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Dir adds a dated JSON log file when set.
	Dir string `yaml:"dir"`
}

// Provider locates the OpenAI-compatible backend.
type Provider struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Breaker tunes the circuit breaker.
type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Loop tunes the tool-call loop.
type Loop struct {
	MaxRounds           int           `yaml:"max_rounds"`
	MaxCallsPerRound    int           `yaml:"max_calls_per_round"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	ReadOnlyParallelism int64         `yaml:"read_only_parallelism"`
	AllowHighRiskTools  bool          `yaml:"allow_high_risk_tools"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries     int           `yaml:"cache_max_entries"`
}

// Critic tunes draft evaluation.
type Critic struct {
	JudgeModels           []string `yaml:"judge_models"`
	AdjudicatorModel      string   `yaml:"adjudicator_model"`
	PassThreshold         float64  `yaml:"pass_threshold"`
	HardFailThreshold     float64  `yaml:"hard_fail_threshold"`
	DisagreementThreshold float64  `yaml:"disagreement_threshold"`
	MaxRevisions          int      `yaml:"max_revisions"`
}

// Canary tunes the agentic-path gate.
type Canary struct {
	Percent           int           `yaml:"percent"`
	WindowSize        int           `yaml:"window_size"`
	MinSamples        int           `yaml:"min_samples"`
	FailureRateCutoff float64       `yaml:"failure_rate_cutoff"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// Health tunes model health persistence.
type Health struct {
	// StorePath enables the durable badger store; empty keeps health in
	// memory only.
	StorePath string `yaml:"store_path"`
}

// Trace selects the trace sink.
type Trace struct {
	// Backend is "log" (default), "influx", or "none".
	Backend string `yaml:"backend"`

	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// Default returns the configuration the service runs with when nothing is
// set.
func Default() Config {
	return Config{
		Port: "12210",
		Provider: Provider{
			BaseURL:        "http://localhost:8080/v1",
			MaxRetries:     2,
			RetryBaseDelay: 500 * time.Millisecond,
			RequestTimeout: 60 * time.Second,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Loop: Loop{
			MaxRounds:           4,
			MaxCallsPerRound:    5,
			ToolTimeout:         10 * time.Second,
			ReadOnlyParallelism: 4,
			CacheTTL:            10 * time.Minute,
			CacheMaxEntries:     512,
		},
		Critic: Critic{
			JudgeModels:           []string{"gpt-4o-mini"},
			PassThreshold:         0.70,
			HardFailThreshold:     0.35,
			DisagreementThreshold: 0.25,
			MaxRevisions:          2,
		},
		Canary: Canary{
			Percent:           100,
			WindowSize:        50,
			MinSamples:        10,
			FailureRateCutoff: 0.5,
			Cooldown:          5 * time.Minute,
		},
		Trace: Trace{
			Backend: "log",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by KESTREL_CONFIG_FILE (if any), then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("KESTREL_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv layers environment variables over the current values.
func applyEnv(cfg *Config) {
	setString(&cfg.Port, "KESTREL_PORT")
	setString(&cfg.Provider.BaseURL, "KESTREL_PROVIDER_URL")
	setString(&cfg.Provider.APIKey, "KESTREL_PROVIDER_API_KEY")
	setInt(&cfg.Provider.MaxRetries, "KESTREL_PROVIDER_MAX_RETRIES")
	setDuration(&cfg.Provider.RequestTimeout, "KESTREL_PROVIDER_TIMEOUT")

	setInt(&cfg.Breaker.FailureThreshold, "KESTREL_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.ResetTimeout, "KESTREL_BREAKER_RESET_TIMEOUT")

	setInt(&cfg.Loop.MaxRounds, "KESTREL_LOOP_MAX_ROUNDS")
	setInt(&cfg.Loop.MaxCallsPerRound, "KESTREL_LOOP_MAX_CALLS_PER_ROUND")
	setDuration(&cfg.Loop.ToolTimeout, "KESTREL_LOOP_TOOL_TIMEOUT")
	setBool(&cfg.Loop.AllowHighRiskTools, "KESTREL_LOOP_ALLOW_HIGH_RISK")

	setFloat(&cfg.Critic.PassThreshold, "KESTREL_CRITIC_PASS_THRESHOLD")
	setFloat(&cfg.Critic.HardFailThreshold, "KESTREL_CRITIC_HARD_FAIL_THRESHOLD")
	setInt(&cfg.Critic.MaxRevisions, "KESTREL_CRITIC_MAX_REVISIONS")

	setInt(&cfg.Canary.Percent, "KESTREL_CANARY_PERCENT")
	setInt(&cfg.Canary.WindowSize, "KESTREL_CANARY_WINDOW")
	setInt(&cfg.Canary.MinSamples, "KESTREL_CANARY_MIN_SAMPLES")
	setFloat(&cfg.Canary.FailureRateCutoff, "KESTREL_CANARY_CUTOFF")
	setDuration(&cfg.Canary.Cooldown, "KESTREL_CANARY_COOLDOWN")

	setString(&cfg.APIKey, "KESTREL_API_KEY")
	setString(&cfg.Log.Level, "KESTREL_LOG_LEVEL")
	setString(&cfg.Log.Dir, "KESTREL_LOG_DIR")

	setString(&cfg.Health.StorePath, "KESTREL_HEALTH_STORE_PATH")
	setString(&cfg.CatalogFile, "KESTREL_CATALOG_FILE")
	setString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setString(&cfg.Trace.Backend, "KESTREL_TRACE_BACKEND")
	setString(&cfg.Trace.InfluxURL, "KESTREL_INFLUX_URL")
	setString(&cfg.Trace.InfluxToken, "KESTREL_INFLUX_TOKEN")
	setString(&cfg.Trace.InfluxOrg, "KESTREL_INFLUX_ORG")
	setString(&cfg.Trace.InfluxBucket, "KESTREL_INFLUX_BUCKET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
