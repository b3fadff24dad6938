// Package dbtest opens migrated in-memory databases for package tests.
package dbtest

import (
	"context"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/rentflow/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a fresh shared-cache SQLite database with the full schema.
// A single connection keeps transactions serialized like row locks would.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplyPlain(context.Background(), sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
