// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			getenv := func(key string) string {
				require.Equal(t, "UNSTRUCTURED_LOGS", key)
				return tt.envValue
			}

			if got := unstructuredLogsWithEnv(getenv); got != tt.expected {
				t.Errorf("unstructuredLogsWithEnv() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T, l *zap.SugaredLogger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

// TestLogLevels tests that each log function writes to the underlying core.
func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
		level    zapcore.Level
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg", zapcore.DebugLevel},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted", zapcore.DebugLevel},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv", zapcore.DebugLevel},
		{"Info", func() { Info("info msg") }, "info msg", zapcore.InfoLevel},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted", zapcore.InfoLevel},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv", zapcore.InfoLevel},
		{"Warn", func() { Warn("warn msg") }, "warn msg", zapcore.WarnLevel},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted", zapcore.WarnLevel},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv", zapcore.WarnLevel},
		{"Error", func() { Error("error msg") }, "error msg", zapcore.ErrorLevel},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted", zapcore.ErrorLevel},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			setSingletonForTest(t, zap.New(core).Sugar())

			tt.logFn()

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.contains, entries[0].Message)
			assert.Equal(t, tt.level, entries[0].Level)
		})
	}
}

// TestKeyValuePairsAreAttached verifies the w-style variants carry fields.
func TestKeyValuePairsAreAttached(t *testing.T) { //nolint:paralleltest // mutates singleton
	core, logs := observer.New(zapcore.DebugLevel)
	setSingletonForTest(t, zap.New(core).Sugar())

	Infow("issuing token", "client_id", "public-spa", "grant", "authorization_code")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "public-spa", fields["client_id"])
	assert.Equal(t, "authorization_code", fields["grant"])
}

// TestGetReturnsCurrentLogger verifies Get exposes the singleton for injection.
func TestGetReturnsCurrentLogger(t *testing.T) { //nolint:paralleltest // mutates singleton
	core, _ := observer.New(zapcore.InfoLevel)
	sugar := zap.New(core).Sugar()
	setSingletonForTest(t, sugar)

	assert.Same(t, sugar, Get())
}
