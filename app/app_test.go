package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/app"
	"github.com/warp/lot-engine/config"
	"github.com/warp/lot-engine/fifo"
)

func TestBuild_SQLiteWithRedis(t *testing.T) {
	// GIVEN: A SQLite file and a Redis for locks and cache
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Store:      config.StoreSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "lots.db"),
		RedisAddr:  mr.Addr(),
		LockMode:   config.LockRedis,
		LockTTL:    time.Second,
		CacheTTL:   time.Minute,
	}

	a, err := app.Build(ctx, cfg, zerolog.Nop(), app.Options{WithMetrics: true})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	require.NotNil(t, a.Metrics)
	require.NoError(t, a.Ready(ctx))

	// WHEN: Using the engine
	eng := a.Engine
	require.NoError(t, eng.SaveLocation(ctx, fifo.Location{ID: "bar", Name: "Bar", Active: true}))
	require.NoError(t, eng.SaveItem(ctx, fifo.Item{ID: "rum", Name: "Rum", CostBasis: decimal.NewFromInt(4), SalePrice: decimal.NewFromInt(9), Active: true}))
	out, err := eng.Apply(ctx, fifo.EventInput{Kind: fifo.KindReceipt, Location: "bar", Item: "rum",
		Quantity: decimal.NewFromInt(3), UnitPrice: decimal.NewFromInt(4), Date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	// THEN: IDs are UUIDs and availability lands in Redis
	assert.Len(t, string(out.Event.ID), 36)
	avail, err := eng.AvailableQuantity(ctx, "bar", "rum")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3).Equal(avail))
	assert.True(t, mr.Exists("fifo:avail:bar|rum"))

	// AND: Readiness follows Redis
	mr.Close()
	assert.Error(t, a.Ready(ctx))
}

func TestBuild_MemoryStore(t *testing.T) {
	a, err := app.Build(context.Background(), &config.Config{Store: config.StoreMemory, LockMode: config.LockLocal},
		zerolog.Nop(), app.Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Metrics)
	assert.NoError(t, a.Ready(context.Background()))
}

func TestBuild_UnreachableRedisFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := app.Build(ctx, &config.Config{Store: config.StoreMemory, RedisAddr: "127.0.0.1:1", CacheTTL: time.Minute},
		zerolog.Nop(), app.Options{})
	assert.Error(t, err)
}
