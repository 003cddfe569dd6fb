package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(logServiceFlagName)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		IdleTimeout:              120 * time.Second,
	}
}

var ServerAddrFlag = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"TENANTD_ADDR"},
	Usage:   "base URL of tenantd",
}

var AdminTokenFlag = &cli.StringFlag{
	Name:    "admin-token",
	EnvVars: []string{"TENANTD_ADMIN_TOKEN"},
	Usage:   "bearer token for the operator and unseal APIs",
}

const logServiceFlagName = "log-service"

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	EnvVars: []string{"TENANTD_LOG_JSON"},
	Usage:   "emit one JSON object per log line for log shippers",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	EnvVars: []string{"TENANTD_LOG_DEBUG"},
	Usage:   "include per-step workflow and cache events",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Usage: "tag every line with a random process id to tell replicas apart",
}

// LogServiceFlagFn names the binary in the service attribute of every line.
var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  logServiceFlagName,
		Value: service,
		Usage: "service attribute attached to every log line",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Usage: "serve /debug/pprof on the API listener",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   45,
	EnvVars: []string{"TENANTD_DRAIN_SECONDS"},
	Usage:   "seconds /readyz reports draining before the workers and listeners stop",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	EnvVars: []string{"TENANTD_METRICS_ADDR"},
	Usage:   "listen address for provisioning and cache metrics, empty to disable",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
