package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tlogd/internal/config"
	tloghttp "tlogd/internal/http"
	"tlogd/pkg/dbinfo"
	"tlogd/pkg/rpc"
	"tlogd/pkg/tlog"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "tlogd",
		Short:         "Transaction log server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	root.AddCommand(newRunCommand(), newPublishCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the log groups found in the data dir and accept recruitments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(configPath)
			if err != nil {
				return err
			}
			logger := initLogger(&cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	eg, ctx := errgroup.WithContext(ctx)

	var source dbinfo.Source = dbinfo.NewVar(dbinfo.ServerDBInfo{})
	if len(cfg.ZooKeeper.Servers) > 0 {
		zk, err := dbinfo.NewZKSource(cfg.ZooKeeper.Servers, cfg.ZooKeeper.DBInfoPath, cfg.ZooKeeper.SessionTimeout, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to ZooKeeper: %w", err)
		}
		defer zk.Close()
		eg.Go(func() error { return zk.Run(ctx) })
		source = zk
	} else {
		logger.Warn("no ZooKeeper servers configured, displacement detection disabled")
	}

	logs := tlog.NewServer(cfg.Storage.DataDir, cfg.Knobs,
		tlog.WithLogger(logger),
		tlog.WithDBInfo(source),
		tlog.WithPushDialer(rpc.PushDialer(cfg.Knobs.PeekMaxWait*2)),
	)
	eg.Go(func() error { return logs.Run(ctx) })

	api := tloghttp.NewServer(logs, logs.Metrics().Handler(), fmt.Sprintf(":%d", cfg.Server.Port), logger)
	api.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	eg.Go(func() error {
		select {
		case <-logs.Ready():
		case <-ctx.Done():
			return nil
		}
		return api.Run(ctx)
	})

	err := eg.Wait()
	logger.Info("tlogd stopped", "error", err)
	return err
}

func newPublishCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish-dbinfo",
		Short: "Write a db info document to the ZooKeeper node log servers watch",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := initConfig(configPath)
			if err != nil {
				return err
			}
			logger := initLogger(&cfg)
			if len(cfg.ZooKeeper.Servers) == 0 {
				return fmt.Errorf("no ZooKeeper servers configured")
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var info dbinfo.ServerDBInfo
			if err := yaml.Unmarshal(data, &info); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			zk, err := dbinfo.NewZKSource(cfg.ZooKeeper.Servers, cfg.ZooKeeper.DBInfoPath, cfg.ZooKeeper.SessionTimeout, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to ZooKeeper: %w", err)
			}
			defer zk.Close()

			if err := zk.Publish(info); err != nil {
				return err
			}
			logger.Info("db info published", "path", cfg.ZooKeeper.DBInfoPath,
				"recoveryCount", info.RecoveryCount, "tlogs", len(info.LogSystemConfig.TLogs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "dbinfo.yaml", "db info document (YAML)")
	return cmd
}
