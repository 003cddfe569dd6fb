package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the public HTTP server of tenantd.
type HTTPServerConfig struct {
	// ListenAddr is the address the API listens on.
	ListenAddr string

	// MetricsAddr is the address of the Prometheus endpoint. Empty disables
	// the metrics server.
	MetricsAddr string

	// EnablePprof mounts the pprof handlers under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long Shutdown keeps serving with /readyz failing
	// so load balancers can take the instance out of rotation.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}
