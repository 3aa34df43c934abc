package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oaklatch/llamadash/internal/api"
	"github.com/oaklatch/llamadash/internal/config"
	"github.com/oaklatch/llamadash/internal/core"
	"github.com/oaklatch/llamadash/internal/db"
	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/decoder/mockdecoder"
	"github.com/oaklatch/llamadash/internal/events"
	"github.com/oaklatch/llamadash/internal/logging"
	"github.com/oaklatch/llamadash/internal/queue"
)

// newBackend selects the decoder.Backend to drive the slot table with.
// It always returns the deterministic mock, so the dashboard runs without
// a native toolchain present; the cgo_llama-tagged cgollama backend is not
// wired in here under any build tag.
func newBackend() decoder.Backend {
	return mockdecoder.New(mockdecoder.DefaultConfig())
}

func main() {
	log := logging.New(logging.VerbosityDebug)
	log.Info("starting llamadash")

	cfg, err := config.Load()
	if err != nil {
		log.Error(err, "failed to load config")
		os.Exit(1)
	}

	database, err := db.New(cfg.DataDir + "/llamadash.db")
	if err != nil {
		log.Error(err, "failed to initialize database")
		os.Exit(1)
	}
	defer database.Close()

	var q queue.Queue
	if cfg.RedisAddr != "" {
		rq, err := queue.NewRedisQueue(cfg.RedisAddr)
		if err != nil {
			log.Info("redis unavailable, continuing without scan-refresh bus", "addr", cfg.RedisAddr, "error", err.Error())
		} else {
			q = rq
			defer q.Close()
		}
	}

	broadcast := events.NewBroadcast()

	coreCfg := core.Config{
		MaxModels:         cfg.MaxModels,
		IdleTimeoutSecs:   cfg.IdleTimeoutSecs,
		DefaultNGPULayers: cfg.DefaultNGPULayers,
		DefaultCtxSize:    cfg.DefaultCtxSize,
		ModelDirs:         cfg.ModelDirs,
	}
	c := core.New(newBackend(), coreCfg, broadcast, log)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	c.StartIdleSweeper(sweepCtx)
	defer func() {
		stopSweep()
		c.StopIdleSweeper()
	}()

	router := api.NewRouter(cfg, database, q, c, broadcast, log)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error")
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error(err, "server shutdown error")
	}

	log.Info("goodbye")
}
