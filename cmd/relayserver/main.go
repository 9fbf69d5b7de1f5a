// Package main runs the websocket relay that hosts session rooms and
// forwards traffic between connected stations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/config"
	"github.com/cory-johannsen/netsession/internal/directory"
	"github.com/cory-johannsen/netsession/internal/observability"
	"github.com/cory-johannsen/netsession/internal/server"
	"github.com/cory-johannsen/netsession/internal/transport/wsrelay"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "relayserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	var opts []wsrelay.ServerOption
	if cfg.Directory.Enabled {
		relayID := cfg.Directory.RelayID
		if relayID == "" {
			host, err := os.Hostname()
			if err != nil {
				logger.Fatal("resolving relay id", zap.Error(err))
			}
			relayID = fmt.Sprintf("%s:%d", host, cfg.Relay.Port)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		dir, err := directory.Open(ctx, cfg.Directory, relayID, logger)
		cancel()
		if err != nil {
			logger.Fatal("opening room directory", zap.Error(err))
		}
		defer dir.Close()
		opts = append(opts, wsrelay.WithPublisher(dir, dir.TTL()/2))
	}

	relay := wsrelay.NewServer(cfg.Relay, logger, opts...)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("relay", &server.FuncService{
		StartFn: relay.ListenAndServe,
		StopFn:  relay.Stop,
	})

	logger.Info("relay initialized",
		zap.String("addr", cfg.Relay.Addr()),
		zap.Bool("host_migration", cfg.Relay.HostMigration),
		zap.Bool("directory", cfg.Directory.Enabled),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}
