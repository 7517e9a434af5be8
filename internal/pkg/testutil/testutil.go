// Package testutil provides fixtures shared by package tests. It is only
// imported from _test.go files.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/database"
	"github.com/ManuelReschke/PayGate/internal/pkg/env"
)

// NewDB opens a private in-memory SQLite database with the gateway schema.
// A single connection keeps concurrent test goroutines from tripping over
// SQLite table locks.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig(true))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// SeedAccount stores a balance for userID.
func SeedAccount(t *testing.T, db *gorm.DB, userID uint, balance string, currency string) *models.Account {
	t.Helper()
	account := &models.Account{
		UserID:   userID,
		Balance:  decimal.RequireFromString(balance),
		Currency: currency,
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

// SeedTransaction stores a transaction in the given status.
func SeedTransaction(t *testing.T, db *gorm.DB, transactionID string, status models.TransactionStatus) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		TransactionID: transactionID,
		UserID:        1,
		Type:          models.TransactionTypeDeposit,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "TRY",
		PaymentMethod: "havale",
		Status:        status,
	}
	require.NoError(t, db.Create(tx).Error)
	return tx
}

const isolatedTestRedisDB = 15

// NewRedis connects to CACHE_HOST:CACHE_PORT on an isolated DB and skips the
// test when no server is reachable.
func NewRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := env.GetEnv("CACHE_HOST", "localhost") + ":" + env.GetEnv("CACHE_PORT", "6379")
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedTestRedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		_ = client.Close()
	})
	return client
}
