package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/yungbote/videoforge-backend/internal/assets"
	checkpointrepo "github.com/yungbote/videoforge-backend/internal/data/repos/checkpoints"
	jobrepo "github.com/yungbote/videoforge-backend/internal/data/repos/jobs"
	lockrepo "github.com/yungbote/videoforge-backend/internal/data/repos/locks"
	projectrepo "github.com/yungbote/videoforge-backend/internal/data/repos/projects"
	"github.com/yungbote/videoforge-backend/internal/db"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/locks"
	"github.com/yungbote/videoforge-backend/internal/operator"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
	"github.com/yungbote/videoforge-backend/internal/workflow"
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
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	jobRepo := jobrepo.NewJobRepo(thePG, log)
	lockRepo := lockrepo.NewLockRepo(thePG, log)
	projectRepo := projectrepo.NewProjectRepo(thePG, log)
	sceneRepo := projectrepo.NewSceneRepo(thePG, log)
	characterRepo := projectrepo.NewCharacterRepo(thePG, log)
	locationRepo := projectrepo.NewLocationRepo(thePG, log)
	checkpointRepo := checkpointrepo.NewCheckpointRepo(thePG, log)

	// Bus
	eventBus, err := bus.NewRedisBus(log, "coordinator")
	if err != nil {
		log.Error("Redis bus init failed", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Services
	log.Info("Setting up services from main...")
	workerID := envutil.String("WORKER_ID", "coordinator-"+uuid.New().String()[:8])
	lockManager := locks.NewManager(log, lockRepo, postgresService.Breaker(), workerID)
	jobStore := jobs.NewStore(log, jobRepo, eventBus)
	assetManager := assets.NewManager(log, projectRepo, sceneRepo, characterRepo, locationRepo)
	checkpointer := workflow.NewCheckpointer(log, checkpointRepo)
	dispatcher := workflow.NewDispatcher(log, jobStore)
	graph := workflow.NewGraph(log, dispatcher, checkpointer, projectRepo, sceneRepo, characterRepo, locationRepo, assetManager, eventBus)
	op := operator.New(log, lockManager, graph, checkpointer, jobStore, assetManager, projectRepo, sceneRepo, eventBus)

	if err := op.Start(ctx); err != nil {
		log.Error("Operator subscription failed", "error", err)
		os.Exit(1)
	}
	log.Info("coordinator running", "worker_id", workerID)

	<-ctx.Done()
	log.Info("shutting down coordinator")
	if err := lockManager.ReleaseAllLocks(context.Background()); err != nil {
		log.Warn("releasing locks on shutdown failed", "error", err)
	}
}
