// Command server wires config, logging, the engine's collaborators and the
// peripheral HTTP surface together, then serves until an interrupt signal
// arrives: load config, init collaborators, init router, start server,
// wait for signal, stop background services, exit.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/webtestflow/cdp-orchestrator/internal/api"
	"github.com/webtestflow/cdp-orchestrator/internal/config"
	"github.com/webtestflow/cdp-orchestrator/internal/logging"
	"github.com/webtestflow/cdp-orchestrator/internal/registry"
	"github.com/webtestflow/cdp-orchestrator/internal/repository"
	"github.com/webtestflow/cdp-orchestrator/internal/scheduler"
)

func main() {
	cfg, err := config.Load(os.Getenv("CDPORCH_CONFIG"))
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	repo := repository.NewFileRepository(cfg.Storage.TestsDir)
	reg := registry.New(cfg.Storage.SessionsFile)

	srv := api.NewServer(cfg, log, repo, reg)

	var sched *scheduler.Service
	if cfg.Scheduler.Enabled {
		schedulePath := filepath.Join(filepath.Dir(cfg.Storage.TestsDir), "schedules.json")
		sched = scheduler.New(log, srv, schedulePath)
		if err := sched.Start(); err != nil {
			log.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if sched != nil {
		sched.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	log.Info("shutdown complete")
}
