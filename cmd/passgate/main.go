// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the passgate authorization server.
package main

import (
	"os"

	"github.com/stacklok/passgate/cmd/passgate/app"
	"github.com/stacklok/passgate/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
