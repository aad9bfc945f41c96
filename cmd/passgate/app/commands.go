// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface for the passgate
// authorization server.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/passgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "passgate",
	DisableAutoGenTag: true,
	Short:             "Passgate is a multi-tenant OpenID Connect provider",
	Long: `Passgate is a multi-tenant OpenID Connect provider. Tenants and clients
are declared as contract files on disk; the server hot-reloads them and
serves the standard OAuth 2.0 and OIDC endpoints, including pushed
authorization requests, device authorization, and client-initiated
backchannel authentication.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the passgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
