// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/ciba"
	"github.com/stacklok/passgate/pkg/clientkeys"
	"github.com/stacklok/passgate/pkg/config"
	"github.com/stacklok/passgate/pkg/consent"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/device"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/federation"
	"github.com/stacklok/passgate/pkg/flow"
	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/logout"
	"github.com/stacklok/passgate/pkg/networking"
	"github.com/stacklok/passgate/pkg/passwordless"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/ratelimit"
	"github.com/stacklok/passgate/pkg/server"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
	"github.com/stacklok/passgate/pkg/telemetry"
	"github.com/stacklok/passgate/pkg/token"
	"github.com/stacklok/passgate/pkg/userinfo"
	"github.com/stacklok/passgate/pkg/users"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server. Secrets come from PASSGATE_*-prefixed
environment variables; everything else can be set by flag, environment,
or an optional YAML config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().String("config", "", "Path to an optional YAML config file")
	cmd.Flags().String("issuer-url", "", "Public issuer URL (required)")
	cmd.Flags().String("listen-addr", ":8080", "Address to listen on")
	cmd.Flags().String("contracts-dir", "contracts", "Directory holding tenant and client contracts")
	cmd.Flags().String("database-path", "passgate.db", "Path to the SQLite database")
	cmd.Flags().String("storage", config.StorageMemory, "Record store backend: memory or redis")
	cmd.Flags().String("redis-addr", "localhost:6379", "Redis address for the redis backend")
	cmd.Flags().String("audit-webhook-url", "", "Optional endpoint receiving every audit event as JSON")

	return cmd
}

func runServe(cmd *cobra.Command) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	cfg, err := config.Load(v, os.Getenv)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()
	bus := events.NewBus(
		events.WithAsyncPostHooks(),
		events.WithObserver(metrics.EventEmitted),
	)
	bus.PostAll(events.AuditHook())

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	var engine storage.Engine
	var limiter ratelimit.Limiter
	switch cfg.Storage {
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer client.Close()
		engine = storage.NewRedisEngine(client, "passgate")
		limiter = ratelimit.NewRedisLimiter(client)
	default:
		engine = storage.NewMemoryEngine()
		limiter = ratelimit.NewMemoryLimiter()
	}
	stores := storage.New(engine, metrics.StoreContention)

	km, err := keys.New(ctx, db.Keys, cfg.Secrets.KeyManager, cfg.KeyOverlapWindow,
		keys.WithRotationObserver(metrics.KeyRotated))
	if err != nil {
		return fmt.Errorf("initializing key manager: %w", err)
	}

	wire, err := token.NewWireTokens(cfg.Secrets.WireToken)
	if err != nil {
		return fmt.Errorf("initializing wire tokens: %w", err)
	}
	resolver, err := policy.NewResolver(cfg.Secrets.PolicyHMAC)
	if err != nil {
		return fmt.Errorf("initializing policy resolver: %w", err)
	}

	registry := contracts.NewRegistry()
	if err := registry.LoadDir(cfg.ContractsDir); err != nil {
		return fmt.Errorf("loading contracts: %w", err)
	}

	issuer := token.NewIssuer(cfg.IssuerURL, km)
	userSvc := users.New(db.Users, db.Consents, bus, cfg.Secrets.BlindIndex)
	consentSvc := consent.New(db.Consents, bus)

	clientKeys, err := clientkeys.NewResolver(ctx)
	if err != nil {
		return fmt.Errorf("initializing client key resolver: %w", err)
	}

	// Deliveries go to endpoints the clients registered themselves, so the
	// outbound client is locked down. Localhost issuers are development
	// setups where the relying parties live on private addresses too.
	outbound, err := networking.NewClientBuilder().
		WithPrivateIPs(strings.Contains(cfg.IssuerURL, "://localhost") || strings.Contains(cfg.IssuerURL, "://127.0.0.1")).
		Build()
	if err != nil {
		return fmt.Errorf("building outbound HTTP client: %w", err)
	}
	if cfg.AuditWebhookURL != "" {
		bus.PostAll(events.WebhookHook(outbound, cfg.AuditWebhookURL, ""))
	}

	orch := authorize.New(authorize.Config{
		IssuerURL:  cfg.IssuerURL,
		Registry:   registry,
		Resolver:   resolver,
		Stores:     stores,
		Wire:       wire,
		Issuer:     issuer,
		Consent:    consentSvc,
		Users:      userSvc,
		ClientKeys: clientKeys,
		Bus:        bus,
	})

	cibaRunner := ciba.New(ciba.Config{
		Registry: registry,
		Resolver: resolver,
		Stores:   stores,
		Users:    userSvc,
		Minter:   orch,
		Bus:      bus,
	}, ciba.WithHTTPClient(outbound))
	deviceRunner := device.New(device.Config{
		Registry:        registry,
		Resolver:        resolver,
		Stores:          stores,
		Wire:            wire,
		Minter:          orch,
		Bus:             bus,
		VerificationURI: cfg.IssuerURL + "/device",
	})
	orch.RegisterGrant(protocol.GrantCIBA, cibaRunner)
	orch.RegisterGrant(protocol.GrantDeviceCode, deviceRunner)

	emailOTP := passwordless.NewEmailOTP(passwordless.LogSender{}, limiter)
	webAuthn, err := passwordless.NewWebAuthn(cfg.IssuerURL, "Passgate", db.Passkeys, userSvc, bus)
	if err != nil {
		return fmt.Errorf("initializing webauthn: %w", err)
	}
	fed := federation.New(userSvc, bus, federation.WithHTTPClient(outbound))

	flowEngine := flow.New(flow.Config{
		Stores:      stores,
		Users:       userSvc,
		Consent:     consentSvc,
		EmailOTP:    emailOTP,
		WebAuthn:    webAuthn,
		Federation:  fed,
		Registry:    registry,
		Bus:         bus,
		CallbackURL: cfg.IssuerURL + "/callback",
	})
	flowEngine.SetCompleter(orch)
	flowEngine.SetCIBA(cibaRunner)
	flowEngine.SetDevice(deviceRunner)

	logoutSvc := logout.New(logout.Config{
		Registry: registry,
		Resolver: resolver,
		Stores:   stores,
		Issuer:   issuer,
		Bus:      bus,
		Upstream: fed,
	}, logout.WithHTTPClient(outbound))
	userinfoSvc := userinfo.New(userinfo.Config{
		Registry:   registry,
		Resolver:   resolver,
		Issuer:     issuer,
		Users:      userSvc,
		ClientKeys: clientKeys,
	})

	srv := server.New(server.Config{
		IssuerURL:       cfg.IssuerURL,
		ListenAddr:      cfg.ListenAddr,
		Orchestrator:    orch,
		Flow:            flowEngine,
		CIBA:            cibaRunner,
		Device:          deviceRunner,
		Logout:          logoutSvc,
		Userinfo:        userinfoSvc,
		Keys:            km,
		Stores:          stores,
		Metrics:         metrics,
		Limiter:         limiter,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	logger.Infow("starting passgate",
		"issuer", cfg.IssuerURL,
		"storage", cfg.Storage,
		"contracts_dir", cfg.ContractsDir,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		km.Run(gctx, cfg.KeyRotationInterval)
		return nil
	})
	g.Go(func() error {
		return registry.Watch(gctx, cfg.ContractsDir)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
