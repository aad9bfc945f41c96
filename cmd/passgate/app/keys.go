// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/passgate/pkg/config"
	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
)

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the issuer's signing keys",
	}
	keysCmd.AddCommand(newKeysRotateCmd())
	return keysCmd
}

func newKeysRotateCmd() *cobra.Command {
	var emergency bool

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing keys",
		Long: `Rotate the signing keys. A normal rotation keeps the outgoing keys
verifiable through the overlap window so cached JWKS copies stay valid.
An emergency rotation revokes them immediately; tokens signed with the
old keys stop verifying as soon as relying parties refresh the JWKS.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeysRotate(cmd, emergency)
		},
	}

	cmd.Flags().BoolVar(&emergency, "emergency", false,
		"Revoke the outgoing keys immediately instead of letting them overlap")
	cmd.Flags().String("config", "", "Path to an optional YAML config file")
	cmd.Flags().String("issuer-url", "", "Public issuer URL (required)")
	cmd.Flags().String("database-path", "passgate.db", "Path to the SQLite database")

	return cmd
}

func runKeysRotate(cmd *cobra.Command, emergency bool) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	cfg, err := config.Load(v, os.Getenv)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	km, err := keys.New(ctx, db.Keys, cfg.Secrets.KeyManager, cfg.KeyOverlapWindow)
	if err != nil {
		return fmt.Errorf("initializing key manager: %w", err)
	}

	reason := keys.ReasonScheduled
	if emergency {
		reason = keys.ReasonEmergency
	}
	if err := km.Rotate(ctx, reason); err != nil {
		return fmt.Errorf("rotating keys: %w", err)
	}
	logger.Infow("rotated signing keys", "reason", reason)
	return nil
}
