package testutil

import (
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/videoforge-backend/internal/domain"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// Logger returns a development logger for tests.
func Logger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

// DB opens the integration database named by TEST_POSTGRES_DSN and migrates
// the full schema. Tests calling it are skipped when the variable is unset,
// so the unit suite stays runnable without infrastructure.
func DB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("connect to test postgres: %v", err)
	}
	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		t.Fatalf("enable uuid-ossp: %v", err)
	}
	if err := gdb.AutoMigrate(
		&domain.Project{},
		&domain.Scene{},
		&domain.Character{},
		&domain.Location{},
		&domain.SceneCharacter{},
		&domain.Job{},
		&domain.ProjectLock{},
		&domain.Checkpoint{},
	); err != nil {
		t.Fatalf("migrate test schema: %v", err)
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_active_logical_address
		   ON jobs (project_id, type, unique_key)
		   WHERE state IN ('CREATED','RUNNING')`,
		`CREATE INDEX IF NOT EXISTS idx_project_locks_expires_at
		   ON project_locks (expires_at)`,
	}
	for _, stmt := range stmts {
		if err := gdb.Exec(stmt).Error; err != nil {
			t.Fatalf("migrate test index: %v", err)
		}
	}
	return gdb
}
