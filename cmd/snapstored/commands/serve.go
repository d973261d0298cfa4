package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/buffer"
	"github.com/dittolab/snapstore/pkg/devio"
	"github.com/dittolab/snapstore/pkg/metrics"
	"github.com/dittolab/snapstore/pkg/server"
	"github.com/dittolab/snapstore/pkg/snap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the snapshot server",
	Long: `Load the snapshot store, recover the journal if the previous server
died busy, and serve clients on the configured unix socket until SIGINT
or SIGTERM.

Examples:
  # Serve with a config file
  snapstored serve --config /etc/snapstore/config.yaml

  # Environment variable overrides
  SNAPSTORE_LOGGING_LEVEL=DEBUG snapstored serve --config config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var em *metrics.EngineMetrics
	if cfg.Metrics.Enabled {
		metrics.Init()
		em = metrics.NewEngineMetrics()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	metadev, err := devio.Open(cfg.Store.MetadataDevice)
	if err != nil {
		return err
	}
	defer metadev.Close()

	snapdev := metadev
	if !cfg.Combined() {
		if snapdev, err = devio.Open(cfg.Store.SnapshotDevice); err != nil {
			return err
		}
		defer snapdev.Close()
	}

	orgdev, err := devio.Open(cfg.Store.OriginDevice)
	if err != nil {
		return err
	}
	defer orgdev.Close()

	eng := snap.New(metadev, snapdev, orgdev, nil, em)
	if err := eng.Load(); err != nil {
		return err
	}
	eng.SetCache(buffer.New(cfg.Store.CacheBytes, eng.BlockSize()))
	eng.SelfCheck(cfg.Store.SelfCheck)
	if err := eng.Start(); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Socket:      cfg.Server.Socket,
		AgentSocket: cfg.Server.AgentSocket,
		MaxClients:  cfg.Server.MaxClients,
	}, eng)
	return srv.Run(ctx)
}
