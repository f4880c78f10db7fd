// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix matches the Python pydantic_settings convention the original
// task registry CLI used (BUTTERCUP_TASK_REGISTRY_*), generalized across
// the whole service.
const EnvPrefix = "BUTTERCUP_"

// Config is the scheduler/tooling configuration, loaded from YAML and
// overlaid with BUTTERCUP_*-prefixed environment variables.
type Config struct {
	RedisAddr           string        `yaml:"redis_addr"`
	CompetitionBaseURL  string        `yaml:"competition_base_url"`
	CompetitionTokenURL string        `yaml:"competition_token_url"`
	SpannerDatabase     string        `yaml:"spanner_database"`
	ScratchDir          string        `yaml:"scratch_dir"`
	CorpusRoot          string        `yaml:"corpus_root"`
	CorpusBucket        string        `yaml:"corpus_bucket"`
	MergeBinary         string        `yaml:"merge_binary"`
	SchedulerSleep      time.Duration `yaml:"scheduler_sleep"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	HealthPort          int           `yaml:"health_port"`
	GCPProject          string        `yaml:"gcp_project"`
}

// LoadConfig reads path as YAML, then overlays any BUTTERCUP_* environment
// variable matching a field's YAML tag (upper-cased, e.g.
// BUTTERCUP_REDIS_ADDR overrides redis_addr).
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		SchedulerSleep: time.Second,
		TaskTimeout:    time.Hour,
		HealthPort:     8080,
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("load config: parse %s: %w", path, err)
		}
	}
	overlayEnv(cfg)
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	if v := envOr("REDIS_ADDR", ""); v != "" {
		cfg.RedisAddr = v
	}
	if v := envOr("COMPETITION_BASE_URL", ""); v != "" {
		cfg.CompetitionBaseURL = v
	}
	if v := envOr("COMPETITION_TOKEN_URL", ""); v != "" {
		cfg.CompetitionTokenURL = v
	}
	if v := envOr("SPANNER_DATABASE", ""); v != "" {
		cfg.SpannerDatabase = v
	}
	if v := envOr("SCRATCH_DIR", ""); v != "" {
		cfg.ScratchDir = v
	}
	if v := envOr("CORPUS_BUCKET", ""); v != "" {
		cfg.CorpusBucket = v
	}
	if v := envOr("CORPUS_ROOT", ""); v != "" {
		cfg.CorpusRoot = v
	}
	if v := envOr("MERGE_BINARY", ""); v != "" {
		cfg.MergeBinary = v
	}
	if v := envOr("GCP_PROJECT", ""); v != "" {
		cfg.GCPProject = v
	}
	if v := envOr("SCHEDULER_SLEEP", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SchedulerSleep = d
		}
	}
	if v := envOr("TASK_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TaskTimeout = d
		}
	}
	if v := envOr("HEALTH_PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthPort = n
		}
	}
}

func envOr(suffix, def string) string {
	if v, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(suffix)); ok {
		return v
	}
	return def
}
