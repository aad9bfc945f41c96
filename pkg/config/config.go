// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the process configuration.
//
// Settings come from three layers with the usual viper precedence: explicit
// flags, environment variables with the PASSGATE prefix, then an optional
// YAML file. Secrets are environment-only and never appear in config files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names for secrets. These are read directly from the
// environment, never from a file.
const (
	EnvKeyManagerSecret = "KEY_MANAGER_SECRET"
	EnvPolicyHMACSecret = "POLICY_HMAC_SECRET"
	EnvBlindIndexSecret = "BLIND_INDEX_SECRET"
	EnvWireTokenSecret  = "WIRE_TOKEN_SECRET"
)

// Storage backend names.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Validation errors. Missing secrets fail closed at startup.
var (
	ErrMissingIssuer           = errors.New("issuer-url is required")
	ErrInvalidIssuer           = errors.New("issuer-url must be an absolute https URL")
	ErrMissingKeyManagerSecret = errors.New(EnvKeyManagerSecret + " is not set")
	ErrMissingPolicySecret     = errors.New(EnvPolicyHMACSecret + " is not set")
	ErrMissingBlindIndexSecret = errors.New(EnvBlindIndexSecret + " is not set")
	ErrMissingWireTokenSecret  = errors.New(EnvWireTokenSecret + " is not set")
	ErrUnknownStorage          = errors.New("unknown storage backend")
)

// Config is the full process configuration.
type Config struct {
	IssuerURL    string
	ListenAddr   string
	ContractsDir string
	DatabasePath string

	Storage   string
	RedisAddr string

	KeyRotationInterval time.Duration
	KeyOverlapWindow    time.Duration

	ShutdownTimeout time.Duration

	// AuditWebhookURL, when set, fans every emitted event out to an
	// external collector in addition to the audit log.
	AuditWebhookURL string

	Secrets Secrets
}

// Secrets holds the environment-only secret material.
type Secrets struct {
	KeyManager []byte
	PolicyHMAC []byte
	BlindIndex []byte
	WireToken  []byte
}

// SetDefaults registers every default in one place so flags, env, and file
// values all override the same baseline.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("contracts-dir", "contracts")
	v.SetDefault("database-path", "passgate.db")
	v.SetDefault("storage", StorageMemory)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("key-rotation-interval", 720*time.Hour)
	v.SetDefault("key-overlap-window", 24*time.Hour)
	v.SetDefault("shutdown-timeout", 15*time.Second)
	v.SetDefault("debug", false)
	v.SetDefault("log-format", "json")
}

// Load binds the environment, reads the optional config file, and validates
// the result. getenv is injectable for tests.
func Load(v *viper.Viper, getenv func(string) string) (*Config, error) {
	v.SetEnvPrefix("PASSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		IssuerURL:           strings.TrimRight(v.GetString("issuer-url"), "/"),
		ListenAddr:          v.GetString("listen-addr"),
		ContractsDir:        v.GetString("contracts-dir"),
		DatabasePath:        v.GetString("database-path"),
		Storage:             v.GetString("storage"),
		RedisAddr:           v.GetString("redis-addr"),
		KeyRotationInterval: v.GetDuration("key-rotation-interval"),
		KeyOverlapWindow:    v.GetDuration("key-overlap-window"),
		ShutdownTimeout:     v.GetDuration("shutdown-timeout"),
		AuditWebhookURL:     v.GetString("audit-webhook-url"),
		Secrets: Secrets{
			KeyManager: []byte(getenv(EnvKeyManagerSecret)),
			PolicyHMAC: []byte(getenv(EnvPolicyHMACSecret)),
			BlindIndex: []byte(getenv(EnvBlindIndexSecret)),
			WireToken:  []byte(getenv(EnvWireTokenSecret)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, failing closed on any missing secret.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return ErrMissingIssuer
	}
	u, err := url.Parse(c.IssuerURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrInvalidIssuer
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return ErrInvalidIssuer
	}

	switch c.Storage {
	case StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStorage, c.Storage)
	}

	if len(c.Secrets.KeyManager) == 0 {
		return ErrMissingKeyManagerSecret
	}
	if len(c.Secrets.PolicyHMAC) == 0 {
		return ErrMissingPolicySecret
	}
	if len(c.Secrets.BlindIndex) == 0 {
		return ErrMissingBlindIndexSecret
	}
	if len(c.Secrets.WireToken) == 0 {
		return ErrMissingWireTokenSecret
	}
	return nil
}
