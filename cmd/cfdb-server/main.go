package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cfdb/pkg/app"
	"cfdb/pkg/config"
	"cfdb/pkg/logging"
	"cfdb/pkg/replication"
	"cfdb/pkg/server"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cfdb-server:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.cfdb/config.yaml)")
	flag.Parse()
	if err := config.Load(*cfgFile); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log, err := logging.New(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init Core Application
	application, err := app.NewApp(ctx, log)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}()

	// 预先打开配置的仓库，它们的对端同步客户端随 Syncer 一起启动
	for _, id := range viper.GetStringSlice("server.repos") {
		if _, err := application.Repository(ctx, id); err != nil {
			return fmt.Errorf("failed to open %s: %w", id, err)
		}
	}

	// 3. Setup Network
	addr := viper.GetString("server.addr")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// 4. Setup gRPC Server
	grpcServer := server.New(application, log)

	// 5. Start Server and peer sync (Async)
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "version": replication.BuildVersion}).Info("sync server listening")
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := application.Syncer.Run(ctx); err != nil {
			log.WithError(err).Error("peer sync stopped")
		}
	}()

	// 6. Graceful Shutdown
	select {
	case <-ctx.Done():
		log.Info("shutting down server")
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("failed to serve: %w", err)
	}
}
