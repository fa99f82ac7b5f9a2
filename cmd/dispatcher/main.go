package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/firm-records/internal/app"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/logger"
	"github.com/richardliu001/firm-records/internal/repo"
	httptransport "github.com/richardliu001/firm-records/internal/transport/http"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := repo.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	rdb, err := app.Redis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	if rdb == nil {
		log.Warn("redis not configured: no leader lock, run a single dispatcher")
	}

	sender, closeSender := app.MailSender(cfg, log)
	defer func() {
		if err := closeSender(); err != nil {
			log.Warnf("close mail transport: %v", err)
		}
	}()

	d, err := app.Dispatcher(cfg, repo.NewRepository(gdb, log), rdb, sender, log)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}

	health := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:           httptransport.NewHealthRouter(d.Liveness(), cfg.Outbox, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("records-dispatcher health on %s", health.Addr)
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("health listen: %v", err)
		}
	}()

	d.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(shutdownCtx)
}
