package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-uaclient/internal/config"
	"github.com/arloliu/go-uaclient/internal/simserver"
	"github.com/arloliu/go-uaclient/logger"
)

func TestCommands(t *testing.T) {
	require := require.New(t)

	run, _, err := rootCmd.Find([]string{"run"})
	require.NoError(err)
	require.Equal("run", run.Name())
	require.NotNil(run.Flags().Lookup("read-interval"))
	require.NotNil(run.Flags().Lookup("port"))
	require.NotNil(run.InheritedFlags().Lookup("config"))

	serve, _, err := rootCmd.Find([]string{"serve"})
	require.NoError(err)
	require.Equal("127.0.0.1:4840", serve.Flags().Lookup("listen").DefValue)
}

func TestLoadConfig(t *testing.T) {
	t.Cleanup(func() {
		cfgFile, logLevel, console = "", "", false
	})

	t.Run("defaults without a file", func(t *testing.T) {
		require := require.New(t)

		cfgFile = ""
		cfg, err := loadConfig()
		require.NoError(err)
		require.Equal("localhost", cfg.Server.Host)
	})

	t.Run("flags override the file", func(t *testing.T) {
		require := require.New(t)

		path := filepath.Join(t.TempDir(), "client.yaml")
		require.NoError(os.WriteFile(path, []byte("server:\n  host: plc-07\nlog:\n  level: error\n"), 0o600))

		cfgFile, logLevel, console = path, "debug", true
		cfg, err := loadConfig()
		require.NoError(err)
		require.Equal("plc-07", cfg.Server.Host)
		require.Equal(logger.DebugLevel, cfg.LogLevel())
		require.True(cfg.Log.Console)
	})

	t.Run("invalid level", func(t *testing.T) {
		cfgFile, logLevel = "", "chatty"
		_, err := loadConfig()
		require.Error(t, err)
	})
}

func TestRunClient(t *testing.T) {
	require := require.New(t)

	srv := simserver.New()
	require.NoError(srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })

	cfg := config.Default()
	cfg.Server.Host, cfg.Server.Port = srv.HostPort()
	cfg.Session.HandshakePollBudget = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Client.IterationBudget = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Client.StatusInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Client.ConnectivityCheckInterval = config.Duration{Duration: 20 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()

	require.NoError(runClient(ctx, cfg, logger.GetLogger(), 20*time.Millisecond))

	stats := srv.Stats()
	require.Equal(uint64(1), stats.Sessions)
	require.Positive(stats.Reads)
	require.Eventually(func() bool { return srv.ActiveConnections() == 0 }, time.Second, 5*time.Millisecond,
		"the connection is closed when the client stops")
}
