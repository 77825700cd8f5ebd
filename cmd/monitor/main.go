package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	jobrepo "github.com/yungbote/videoforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/videoforge-backend/internal/db"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/jobs/monitor"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
)

func main() {
	// Logger
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}

	// Bus
	eventBus, err := bus.NewRedisBus(log, "monitor")
	if err != nil {
		log.Error("Redis bus init failed", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Services
	jobRepo := jobrepo.NewJobRepo(postgresService.DB(), log)
	jobStore := jobs.NewStore(log, jobRepo, eventBus)
	mon := monitor.New(log, jobStore, jobStore)

	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("monitor exited", "error", err)
		os.Exit(1)
	}
	log.Info("monitor stopped")
}
