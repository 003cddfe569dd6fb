package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/tenant-provisioning-backend/api/provisioning"
	"github.com/ruteri/tenant-provisioning-backend/api/server"
	"github.com/ruteri/tenant-provisioning-backend/api/tenantapi"
	"github.com/ruteri/tenant-provisioning-backend/cmd/flags"
	"github.com/ruteri/tenant-provisioning-backend/common"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/kms"
	"github.com/ruteri/tenant-provisioning-backend/metrics"
	"github.com/ruteri/tenant-provisioning-backend/orchestrator"
	"github.com/ruteri/tenant-provisioning-backend/provisioner"
	"github.com/ruteri/tenant-provisioning-backend/registry"
	"github.com/ruteri/tenant-provisioning-backend/resolver"
	"github.com/ruteri/tenant-provisioning-backend/tokens"
	"github.com/urfave/cli/v2"
)

var ServiceLogFlag = flags.LogServiceFlagFn("tenantd")

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	EnvVars: []string{"TENANTD_LISTEN_ADDR"},
	Usage:   "address to listen on for the API",
}

var RegistryDriverFlag = &cli.StringFlag{
	Name:    "registry-driver",
	Value:   "sqlite",
	EnvVars: []string{"TENANTD_REGISTRY_DRIVER"},
	Usage:   "tenant registry database: sqlite or postgres",
}

var RegistryDSNFlag = &cli.StringFlag{
	Name:    "registry-dsn",
	Value:   "./data/registry.db",
	EnvVars: []string{"TENANTD_REGISTRY_DSN"},
	Usage:   "registry database file (sqlite) or connection URL (postgres)",
}

var TenantDBDriverFlag = &cli.StringFlag{
	Name:    "tenant-db-driver",
	Value:   "sqlite",
	EnvVars: []string{"TENANTD_TENANT_DB_DRIVER"},
	Usage:   "where tenant databases are created: sqlite or postgres",
}

var TenantDBAdminDSNFlag = &cli.StringFlag{
	Name:    "tenant-db-admin-dsn",
	EnvVars: []string{"TENANTD_TENANT_DB_ADMIN_DSN"},
	Usage:   "PostgreSQL URL of a role allowed to create databases and roles",
}

var TenantDBDirFlag = &cli.StringFlag{
	Name:    "tenant-db-dir",
	Value:   "./data/tenants",
	EnvVars: []string{"TENANTD_TENANT_DB_DIR"},
	Usage:   "directory of tenant database files (sqlite)",
}

var AccessTokenSecretFlag = &cli.StringFlag{
	Name:    "access-token-secret",
	EnvVars: []string{"TENANTD_ACCESS_TOKEN_SECRET"},
	Usage:   "HS256 secret of end-user access tokens; enables tenant routing by bearer token",
}

var WorkersFlag = &cli.IntFlag{
	Name:  "workers",
	Value: orchestrator.DefaultConfig().Workers,
	Usage: "concurrent provisioning workflows",
}

var QueueSizeFlag = &cli.IntFlag{
	Name:  "queue-size",
	Value: orchestrator.DefaultConfig().QueueSize,
	Usage: "pending provisioning workflows accepted before confirm answers 503",
}

var StepTimeoutFlag = &cli.DurationFlag{
	Name:  "step-timeout",
	Value: orchestrator.DefaultConfig().StepTimeout,
	Usage: "maximum duration of one provisioning step",
}

var LeaseDurationFlag = &cli.DurationFlag{
	Name:  "lease-duration",
	Value: orchestrator.DefaultConfig().LeaseDuration,
	Usage: "how long a worker holds a tenant without renewing",
}

var RecoveryIntervalFlag = &cli.DurationFlag{
	Name:  "recovery-interval",
	Value: orchestrator.DefaultConfig().RecoveryInterval,
	Usage: "how often interrupted workflows are looked for",
}

var CacheTTLFlag = &cli.DurationFlag{
	Name:  "cache-ttl",
	Value: resolver.DefaultConfig().TTL,
	Usage: "lifetime of a cached tenant context",
}

func main() {
	app := &cli.App{
		Name:    "tenantd",
		Usage:   "Provision and route isolated tenant databases",
		Version: common.Version,
		Flags: append(append([]cli.Flag{
			ListenAddrFlag,
			RegistryDriverFlag,
			RegistryDSNFlag,
			TenantDBDriverFlag,
			TenantDBAdminDSNFlag,
			TenantDBDirFlag,
			flags.AdminTokenFlag,
			AccessTokenSecretFlag,
			WorkersFlag,
			QueueSizeFlag,
			StepTimeoutFlag,
			LeaseDurationFlag,
			RecoveryIntervalFlag,
			CacheTTLFlag,
			ServiceLogFlag,
		}, MasterKeyFlags...), flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registryDriver, registryDSN := cCtx.String(RegistryDriverFlag.Name), cCtx.String(RegistryDSNFlag.Name)
	if registryDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(registryDSN), 0o700); err != nil {
			return fmt.Errorf("failed to create registry directory: %w", err)
		}
	}
	reg, err := registry.Open(ctx, registryDriver, registryDSN, logger)
	if err != nil {
		logger.Error("Failed to open registry", "err", err)
		return err
	}
	defer reg.Close()

	masterKey, previous, err := SetupMasterKey(ctx, cCtx, logger, reg)
	if err != nil {
		logger.Error("Failed to initialize master key", "err", err)
		return err
	}
	logger.Info("Master key loaded", "previousKeys", len(previous))

	cipher, err := masterKey.SecretCipher(previous...)
	if err != nil {
		return err
	}
	confirmKey, err := masterKey.ConfirmTokenKey()
	if err != nil {
		return err
	}
	issuer, err := tokens.NewConfirmationIssuer(confirmKey)
	if err != nil {
		return err
	}

	prov, closeProv, err := setupProvisioner(ctx, cCtx, logger, masterKey)
	if err != nil {
		logger.Error("Failed to initialize tenant database provisioner", "err", err)
		return err
	}
	defer closeProv()

	m := metrics.New(common.PackageName)

	resolverOpts := []resolver.Option{resolver.WithMetrics(m)}
	if secret := cCtx.String(AccessTokenSecretFlag.Name); secret != "" {
		verifier, err := tokens.NewAccessVerifier([]byte(secret))
		if err != nil {
			return err
		}
		resolverOpts = append(resolverOpts, resolver.WithClaimVerifier(verifier))
	}
	resolverCfg := resolver.DefaultConfig()
	resolverCfg.TTL = cCtx.Duration(CacheTTLFlag.Name)
	res := resolver.New(resolverCfg, reg, cipher, logger, resolverOpts...)
	res.StartJanitor()
	defer res.Close()

	orch := orchestrator.New(orchestrator.Config{
		Workers:          cCtx.Int(WorkersFlag.Name),
		QueueSize:        cCtx.Int(QueueSizeFlag.Name),
		StepTimeout:      cCtx.Duration(StepTimeoutFlag.Name),
		LeaseDuration:    cCtx.Duration(LeaseDurationFlag.Name),
		RecoveryInterval: cCtx.Duration(RecoveryIntervalFlag.Name),
	}, reg, prov, cipher, logger, orchestrator.WithInvalidator(res), orchestrator.WithMetrics(m))
	orch.Start()

	handlers := []server.RouteRegistrar{
		provisioning.NewHandler(reg, issuer, orch, logger),
		tenantapi.NewHandler(res.Middleware, logger),
	}
	if token := cCtx.String(flags.AdminTokenFlag.Name); token != "" {
		admin, err := provisioning.NewAdminHandler(reg, orch, res, token, logger)
		if err != nil {
			return err
		}
		handlers = append(handlers, admin)
	} else {
		logger.Warn("No admin token configured, operator API disabled")
	}

	srv, err := server.New(flags.ConfigureServer(cCtx, logger, cCtx.String(ListenAddrFlag.Name)), m, handlers...)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.AddReadinessCheck("registry", reg.Ping)
	srv.RunInBackground()

	logger.Info("Server is running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	var shutdownErr error
	if err := srv.Shutdown(); err != nil {
		shutdownErr = multierror.Append(shutdownErr, err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		logger.Error("Orchestrator did not stop cleanly", "err", err)
		shutdownErr = multierror.Append(shutdownErr, err)
	}

	logger.Info("Server shutdown complete")
	return shutdownErr
}

func setupProvisioner(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, masterKey *kms.SimpleKMS) (interfaces.DatabaseProvisioner, func(), error) {
	switch driver := cCtx.String(TenantDBDriverFlag.Name); driver {
	case "sqlite":
		dir := cCtx.String(TenantDBDirFlag.Name)
		logger.Info("Provisioning tenant databases as SQLite files", "dir", dir)
		p, err := provisioner.NewSQLiteProvisioner(dir, logger)
		return p, func() {}, err
	case "postgres", "postgresql":
		adminDSN := cCtx.String(TenantDBAdminDSNFlag.Name)
		if adminDSN == "" {
			return nil, nil, errors.New("tenant-db-admin-dsn is required for postgres tenant databases")
		}
		password, err := masterKey.DatabasePasswordFunc()
		if err != nil {
			return nil, nil, err
		}
		p, err := provisioner.NewPostgresProvisioner(ctx, adminDSN, password, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Provisioning tenant databases on PostgreSQL")
		return p, func() { p.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported tenant-db-driver %q", driver)
	}
}
