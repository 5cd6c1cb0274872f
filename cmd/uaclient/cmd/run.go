package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arloliu/go-uaclient/client"
	"github.com/arloliu/go-uaclient/internal/config"
	"github.com/arloliu/go-uaclient/logger"
	"github.com/arloliu/go-uaclient/session"
	"github.com/arloliu/go-uaclient/transport"
	"github.com/arloliu/go-uaclient/ua"
)

var (
	host         string
	port         int
	readInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a server and run the client loop",
	Long: `Connects to the configured server, establishes the secure channel and session,
and runs the client loop until SIGINT or SIGTERM is received.

Connection status and client metrics are logged every status interval. With
--read-interval the server status state is read periodically as well.`,
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&host, "host", "", "server host (overrides the config file)")
	fs.IntVarP(&port, "port", "p", 0, "server port (overrides the config file)")
	fs.DurationVar(&readInterval, "read-interval", 0, "interval of server status reads, 0 disables them")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("invalid configuration", err)
		return err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		printError("invalid configuration", err)
		return err
	}

	l := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runClient(ctx, cfg, l, readInterval); err != nil {
		printError("client stopped", err)
		return err
	}

	return nil
}

// runClient wires the transport, the connector and the client, then runs the client loop
// until ctx is done.
func runClient(ctx context.Context, cfg *config.Config, l logger.Logger, readEvery time.Duration) error {
	trCfg, err := cfg.NewTransportConfig(l)
	if err != nil {
		return err
	}
	tr, err := transport.NewConn(trCfg)
	if err != nil {
		return err
	}

	sessCfg, err := cfg.NewSessionConfig(l)
	if err != nil {
		return err
	}
	conn, err := session.NewConnector(tr, sessCfg)
	if err != nil {
		return err
	}

	cliCfg, err := client.NewConfig(cfg.ClientOptions(l,
		client.WithInactivityHandler(func(c *client.Client) {
			c.GetLogger().Warn("server did not answer the connectivity probe", "address", trCfg.Address())
		}),
	)...)
	if err != nil {
		return err
	}
	c, err := client.NewClient(tr, conn, cliCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			l.Warn("failed to close client", "error", err)
		}
		_ = conn.Close()
	}()

	c.AddTierChangeHandler(func(c *client.Client, prev, cur ua.ConnTier) {
		c.GetLogger().Info("client tier changed", "prev", prev.String(), "tier", cur.String())
	})

	if interval := cfg.Client.StatusInterval.Duration; interval > 0 {
		if _, err := c.AddRepeatedCallback("status", interval, logStatus); err != nil {
			return err
		}
	}

	if readEvery > 0 {
		if _, err := c.AddRepeatedCallback("read-server-state", readEvery, readServerState); err != nil {
			return err
		}
	}

	l.Info("client started", "client_id", c.ID(), "address", trCfg.Address())

	err = c.Run(ctx, cfg.Client.IterationBudget.Duration)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		l.Info("client stopping", "reason", err)
		return nil
	}

	return err
}

func logStatus(c *client.Client) {
	m := c.GetMetrics()
	c.GetLogger().Info("client status",
		"tier", c.Tier().String(),
		"pending_calls", c.PendingCalls(),
		"iterations", m.IterationCount.Load(),
		"calls_completed", m.CallCompleteCount.Load(),
		"calls_timed_out", m.CallTimeoutCount.Load(),
		"probes_sent", m.ProbeSendCount.Load(),
		"probes_timed_out", m.ProbeTimeoutCount.Load(),
	)
}

func readServerState(c *client.Client) {
	if !c.Tier().IsSessionActive() {
		return
	}

	body, err := ua.NewServerStateReadRequest().MarshalBinary()
	if err != nil {
		return
	}

	_, err = c.Call(ua.ServiceReadRequest, body, func(resp *ua.Message, err error) {
		if err != nil {
			c.GetLogger().Warn("server state read failed", "error", err, "status", ua.StatusOf(err).String())
			return
		}
		c.GetLogger().Info("server state read", resp.LogFields()...)
	})
	if err != nil {
		c.GetLogger().Warn("failed to issue server state read", "error", err)
	}
}
