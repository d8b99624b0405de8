package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jmcleod/examgate/storage"
	"github.com/jmcleod/examgate/storage/storetest"
)

// setupTestDB opens an in-memory SQLite database. The pool is pinned to one
// connection because every :memory: connection is a separate database.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) storage.Store {
		s, err := NewStore(context.Background(), setupTestDB(t), WithClock(clock.Now))
		if err != nil {
			t.Fatalf("NewStore failed: %v", err)
		}
		return s
	})
}

func TestSQLStoreWithTracing(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) storage.Store {
		db := setupTestDB(t)
		s, err := NewStore(context.Background(), db, WithClock(clock.Now), WithTracing())
		if err != nil {
			t.Fatalf("NewStore failed: %v", err)
		}
		if len(db.Config.Plugins) != 1 {
			t.Fatalf("expected the tracing plugin to be registered, got %d plugins", len(db.Config.Plugins))
		}
		if _, err := NewStore(context.Background(), db, WithTracing()); err != nil {
			t.Fatalf("second NewStore on the same db failed: %v", err)
		}
		return s
	})
}

func TestStoresHashNotPlaintext(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s, err := NewStore(ctx, db)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	exp := int64(123)
	if err := s.Set(ctx, "abc123hash", &storage.Record{CreatedAt: 1, ExpiresAt: &exp}, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var rows []OneTimeKeyModel
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(rows) != 1 || rows[0].KeyHash != "abc123hash" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].DeadlineMilli == nil || rows[0].ExpiresAtMilli == nil || *rows[0].ExpiresAtMilli != 123 {
		t.Errorf("unexpected row contents: %+v", rows[0])
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Unix(1700000000, 0))
	s, err := NewStore(ctx, setupTestDB(t), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	s.Set(ctx, "short", &storage.Record{CreatedAt: 1}, time.Minute)
	s.Set(ctx, "long", &storage.Record{CreatedAt: 1}, time.Hour)
	s.Set(ctx, "forever", &storage.Record{CreatedAt: 1}, 0)

	clock.Advance(2 * time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Errorf("expected 1 swept row, got %d", n)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn")
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestClosedStoreFails(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Close()

	_, err = s.Get(ctx, "k")
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected a backend error after close, got %v", err)
	}
}
