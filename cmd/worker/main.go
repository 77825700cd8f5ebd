package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/videoforge-backend/internal/assets"
	"github.com/yungbote/videoforge-backend/internal/clients/genai"
	jobrepo "github.com/yungbote/videoforge-backend/internal/data/repos/jobs"
	projectrepo "github.com/yungbote/videoforge-backend/internal/data/repos/projects"
	"github.com/yungbote/videoforge-backend/internal/db"
	"github.com/yungbote/videoforge-backend/internal/jobs"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/gcp"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
	"github.com/yungbote/videoforge-backend/internal/realtime/bus"
	"github.com/yungbote/videoforge-backend/internal/worker"
	"github.com/yungbote/videoforge-backend/internal/worker/handlers"
	"github.com/yungbote/videoforge-backend/internal/worker/runtime"
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
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	jobRepo := jobrepo.NewJobRepo(thePG, log)
	projectRepo := projectrepo.NewProjectRepo(thePG, log)
	sceneRepo := projectrepo.NewSceneRepo(thePG, log)
	characterRepo := projectrepo.NewCharacterRepo(thePG, log)
	locationRepo := projectrepo.NewLocationRepo(thePG, log)

	// Bus
	eventBus, err := bus.NewRedisBus(log, "workers")
	if err != nil {
		log.Error("Redis bus init failed", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Clients
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up services from main...")
	jobStore := jobs.NewStore(log, jobRepo, eventBus)
	assetManager := assets.NewManager(log, projectRepo, sceneRepo, characterRepo, locationRepo)

	env := runtime.Env{
		Log:        log,
		Store:      jobStore,
		Assets:     assetManager,
		Projects:   projectRepo,
		Scenes:     sceneRepo,
		Characters: characterRepo,
		Locations:  locationRepo,
		Bucket:     bucketService,
		GenAI:      genai.NewFake(),
	}

	w := worker.New(log, eventBus, env, handlers.Default())
	if err := w.Start(ctx); err != nil {
		log.Error("Worker subscription failed", "error", err)
		os.Exit(1)
	}
	log.Info("worker running")

	<-ctx.Done()
	log.Info("shutting down worker")
}
