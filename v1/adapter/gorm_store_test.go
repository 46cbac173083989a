package adapter_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-lease/v1/adapter"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestGormStoreContract(t *testing.T) {
	db := openTestDB(t)
	clock := newManualClock()
	s, err := adapter.NewGormStore(db, adapter.WithGormClock(clock.Now))
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	testStoreContract(t, s, clock.Advance)
}

func TestGormStoreCustomTable(t *testing.T) {
	db := openTestDB(t)
	s, err := adapter.NewGormStore(db, adapter.WithGormTableName("custom_leases"), adapter.WithGormTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	if !db.Migrator().HasTable("custom_leases") {
		t.Fatal("expected custom_leases table to be created")
	}
	ctx := context.Background()
	if ok, err := s.Acquire(ctx, "k", "t", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	var count int64
	if err := db.Table("custom_leases").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestGormStoreTwoStoresShareTable(t *testing.T) {
	db := openTestDB(t)
	a, err := adapter.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	b, err := adapter.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	ctx := context.Background()
	if ok, _ := a.Acquire(ctx, "k", "ta", time.Minute); !ok {
		t.Fatal("a should acquire")
	}
	if ok, _ := b.Acquire(ctx, "k", "tb", time.Minute); ok {
		t.Fatal("b must not acquire a held key")
	}
	if ok, _ := b.Release(ctx, "k", "tb"); ok {
		t.Fatal("b must not release a's lease")
	}
	if ok, _ := a.Release(ctx, "k", "ta"); !ok {
		t.Fatal("a should release")
	}
	if ok, _ := b.Acquire(ctx, "k", "tb", time.Minute); !ok {
		t.Fatal("b should acquire after release")
	}
}
