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
	"github.com/richardliu001/firm-records/internal/outbox"
	"github.com/richardliu001/firm-records/internal/repo"
	"github.com/richardliu001/firm-records/internal/service"
	httptransport "github.com/richardliu001/firm-records/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. database
	gdb, err := repo.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}
	repository := repo.NewRepository(gdb, log)

	// 4. redis (optional)
	rdb, err := app.Redis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	// 5. mail transport
	sender, closeSender := app.MailSender(cfg, log)
	defer func() {
		if err := closeSender(); err != nil {
			log.Warnf("close mail transport: %v", err)
		}
	}()

	// 6. service
	svc := service.NewAccountService(
		repository,
		service.NewBcryptHasher(cfg.Auth.BcryptCost),
		service.NewTokenService(cfg.Auth),
		sender,
		cfg.Verification,
		log,
	)

	// 7. outbox dispatcher
	var liveness outbox.Liveness
	done := make(chan struct{})
	if cfg.Outbox.Embedded {
		d, err := app.Dispatcher(cfg, repository, rdb, sender, log)
		if err != nil {
			log.Fatalf("dispatcher: %v", err)
		}
		liveness = d.Liveness()
		go func() {
			defer close(done)
			d.Run(ctx)
		}()
	} else {
		close(done)
		if rdb != nil {
			liveness = outbox.NewRedisLiveness(rdb, "")
		}
	}

	// 8. serve
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httptransport.NewRouter(svc, liveness, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("records-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	<-done
}
