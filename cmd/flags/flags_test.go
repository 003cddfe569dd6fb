package flags

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newContext(t *testing.T, fl []cli.Flag, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("tenantd", flag.ContinueOnError)
	for _, f := range fl {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestConfigureServerFromFlags(t *testing.T) {
	fl := append([]cli.Flag{LogServiceFlagFn("tenantd")}, CommonFlags...)
	cCtx := newContext(t, fl, "--drain-seconds", "3", "--pprof", "--metrics-addr", "")

	logger := SetupLogger(cCtx)
	require.NotNil(t, logger)

	cfg := ConfigureServer(cCtx, logger, "127.0.0.1:9000")
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.DrainDuration)
	assert.True(t, cfg.EnablePprof)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestServerFlagDefaults(t *testing.T) {
	cCtx := newContext(t, CommonFlags)
	cfg := ConfigureServer(cCtx, SetupLogger(cCtx), ":8080")
	assert.Equal(t, 45*time.Second, cfg.DrainDuration)
	assert.Equal(t, "127.0.0.1:8090", cfg.MetricsAddr)
	assert.False(t, cfg.EnablePprof)
}
