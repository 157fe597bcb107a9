// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Config is the runtime configuration of the review dispatcher. Everything
// lives in a single yaml file read at startup, any value can be left out and
// falls back to a default, and the few deployment-sensitive settings (redis
// URL, scoring key, listen address) may also come from the environment so the
// service can run without a file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Environment variable names honored as overrides over the file values.
const (
	EnvRedisURL   = "REDIS_URL"
	EnvScoringKey = "SCORING_KEY"
	EnvListenAddr = "LISTEN_ADDR"
)

const (
	defaultListenAddr    = ":8080"
	defaultRedisURL      = "redis://localhost:6379/0"
	defaultHeartbeatTTL  = 7 * time.Second
	defaultAssignTTL     = 60 * time.Second
	defaultActivityBonus = 6 * time.Second
	defaultTickInterval  = 5 * time.Second
	defaultCallbackTime  = 10 * time.Second
	defaultCallbackTries = 3
)

// Duration is a time.Duration that unmarshals from yaml strings like "7s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// ListenAddr is the host:port tuple the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// RedisURL locates the KV store backing all shared state.
	RedisURL string `yaml:"redis_url"`

	// ScoringKey is the shared secret expected in the x-scoring-key header
	// of submissions and attached to result callbacks.
	ScoringKey string `yaml:"scoring_key"`

	// AllowedOrigins restricts websocket upgrades and CORS. "*" allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// HeartbeatTTL is how long a reviewer session stays alive without a ping.
	HeartbeatTTL Duration `yaml:"heartbeat_ttl"`

	// AssignTTL is the time a reviewer has to complete an assigned review.
	AssignTTL Duration `yaml:"assign_ttl"`

	// ActivityBonus is the extension granted per activity signal, the
	// remaining time never exceeding AssignTTL.
	ActivityBonus Duration `yaml:"activity_bonus"`

	// TickInterval is the cadence of the dead-session/expired-review sweeper.
	TickInterval Duration `yaml:"tick_interval"`

	// CallbackTimeout bounds a single scoring-result POST.
	CallbackTimeout Duration `yaml:"callback_timeout"`

	// CallbackAttempts is how many times a scoring-result POST is tried
	// before the failure is given up on and logged.
	CallbackAttempts int `yaml:"callback_attempts"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       defaultListenAddr,
		RedisURL:         defaultRedisURL,
		AllowedOrigins:   []string{"*"},
		HeartbeatTTL:     Duration(defaultHeartbeatTTL),
		AssignTTL:        Duration(defaultAssignTTL),
		ActivityBonus:    Duration(defaultActivityBonus),
		TickInterval:     Duration(defaultTickInterval),
		CallbackTimeout:  Duration(defaultCallbackTime),
		CallbackAttempts: defaultCallbackTries,
	}
}

// Load reads the yaml file at path on top of the defaults and applies
// environment overrides last. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvScoringKey); v != "" {
		c.ScoringKey = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
}

// Validate rejects configurations the dispatcher cannot safely run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr must not be empty")
	}
	if c.RedisURL == "" {
		return errors.New("config: redis_url must not be empty")
	}
	if c.ScoringKey == "" {
		return errors.New("config: scoring_key must be set, every submission would be rejected without it")
	}
	if c.HeartbeatTTL <= 0 || c.AssignTTL <= 0 || c.TickInterval <= 0 {
		return errors.New("config: heartbeat_ttl, assign_ttl and tick_interval must be positive")
	}
	if c.ActivityBonus < 0 || c.ActivityBonus.Std() > c.AssignTTL.Std() {
		return errors.New("config: activity_bonus must be between 0 and assign_ttl")
	}
	if c.CallbackAttempts < 1 {
		return errors.New("config: callback_attempts must be at least 1")
	}
	return nil
}
