package db

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// PostgresService owns the single connection pool every component goes
// through. All access runs behind the circuit breaker so dependents (the
// lock manager in particular) can drop soft state when the database is
// unhealthy.
type PostgresService struct {
	db      *gorm.DB
	log     *logger.Logger
	breaker *Breaker
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "videoforge")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(envutil.Int("POSTGRES_MAX_OPEN_CONNS", 20))
	sqlDB.SetMaxIdleConns(envutil.Int("POSTGRES_MAX_IDLE_CONNS", 5))
	sqlDB.SetConnMaxLifetime(envutil.Seconds("POSTGRES_CONN_MAX_LIFETIME_SECONDS", 1800))

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{
		db:      gdb,
		log:     serviceLog,
		breaker: NewBreaker(serviceLog),
	}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) Breaker() *Breaker { return s.breaker }

// Do runs fn against the pool behind the circuit breaker. When the breaker
// is open it fails fast with ErrCircuitOpen without touching the pool.
func (s *PostgresService) Do(ctx context.Context, fn func(db *gorm.DB) error) error {
	return s.breaker.Execute(func() error {
		return fn(s.db.WithContext(ctx))
	})
}

// Transaction acquires one client, runs fn inside BEGIN/COMMIT and rolls
// back on any returned error. Release is guaranteed on every path by gorm.
func (s *PostgresService) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.breaker.Execute(func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&domain.Project{},
		&domain.Scene{},
		&domain.Character{},
		&domain.Location{},
		&domain.SceneCharacter{},
		&domain.Job{},
		&domain.ProjectLock{},
		&domain.Checkpoint{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	return s.migrateIndexes()
}

// migrateIndexes applies the index set gorm cannot express: the partial
// unique index that enforces one active job per logical address, the
// claim-time RUNNING count index, and the monitor sweep index.
func (s *PostgresService) migrateIndexes() error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_active_logical_address
		   ON jobs (project_id, type, unique_key)
		   WHERE state IN ('CREATED','RUNNING')`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_latest_lookup
		   ON jobs (project_id, type, unique_key, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_running_by_project
		   ON jobs (project_id)
		   WHERE state = 'RUNNING'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_updated_at
		   ON jobs (state, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_project_locks_expires_at
		   ON project_locks (expires_at)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migrate index: %w", err)
		}
	}
	return nil
}
