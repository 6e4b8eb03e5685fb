package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/backup"
	"github.com/bit-gpt/h402-go/facilitator"
	"github.com/bit-gpt/h402-go/ledger"
	"github.com/bit-gpt/h402-go/scheme/exact/evm"
	"github.com/bit-gpt/h402-go/scheme/exact/solana"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("facilitator exited", zap.Error(err))
	}
}

func run(cfg *Config, log *zap.Logger) error {
	store, err := ledger.OpenSQLite(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := ledger.NewQueue(store, 0)
	defer queue.Close()

	networks := h402.DefaultNetworks()
	for id, url := range cfg.EVM.RPCURLs {
		if n, ok := networks.EVM[id]; ok {
			n.RPCURL = url
			networks.EVM[id] = n
		}
	}
	for id, url := range cfg.Solana.RPCURLs {
		if n, ok := networks.Solana[id]; ok {
			n.RPCURL = url
			networks.Solana[id] = n
		}
	}

	var evmOpts []evm.HandlerOption
	if cfg.EVM.SettlementKey != "" {
		evmOpts = append(evmOpts, evm.WithSettlementKey(cfg.EVM.SettlementKey))
	}
	evmHandler, err := evm.NewHandler(networks, evmOpts...)
	if err != nil {
		return err
	}
	solanaHandler := solana.NewHandler(networks)

	svc := facilitator.New(queue, log, evmHandler, solanaHandler)

	var backups *backup.Manager
	var scheduler *cron.Cron
	if cfg.Backup.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		objects, err := backup.NewMinioStore(ctx, backup.MinioConfig{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			Prefix:    cfg.Backup.Prefix,
			UseSSL:    cfg.Backup.UseSSL,
		})
		cancel()
		if err != nil {
			return err
		}
		backups = backup.NewManager(objects, store, cfg.Backup.Keep, log)

		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Backup.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := backups.Run(ctx); err != nil {
				log.Error("scheduled backup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info("scheduled backups enabled", zap.String("schedule", cfg.Backup.Schedule))
	}

	gin.SetMode(cfg.Server.Mode)
	var runner backupRunner
	if backups != nil {
		runner = backups
	}
	router := newRouter(svc, runner, cfg.Admin.Token, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("facilitator listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
