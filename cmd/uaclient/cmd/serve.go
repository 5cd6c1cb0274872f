package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arloliu/go-uaclient/internal/simserver"
)

var (
	listenAddr  string
	maxLifetime time.Duration
	dropReads   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated server",
	Long: `Runs an in-process server that answers secure channel, session, Read and Publish
requests. It is meant for trying the client locally.`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&listenAddr, "listen", "l", "127.0.0.1:4840", "listen address")
	fs.DurationVar(&maxLifetime, "max-channel-lifetime", time.Hour, "maximum secure channel token lifetime granted to clients")
	fs.BoolVar(&dropReads, "drop-reads", false, "never answer Read requests")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("invalid configuration", err)
		return err
	}
	l := newLogger(cfg)

	srv := simserver.New(simserver.WithMaxChannelLifetime(maxLifetime), simserver.WithLogger(l))
	srv.DropReads(dropReads)
	if err := srv.Start(listenAddr); err != nil {
		printError("failed to listen", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	stats := srv.Stats()
	l.Info("exit signal received", "connections", stats.Connections, "sessions", stats.Sessions, "reads", stats.Reads)

	return srv.Close()
}
