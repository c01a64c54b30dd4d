package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/fifo"
	"github.com/warp/lot-engine/store/postgres"
)

// openStore connects to the database named by FIFO_PG_DSN. The tests are
// skipped when it is unset.
func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("FIFO_PG_DSN")
	if dsn == "" {
		t.Skip("FIFO_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := postgres.Open(ctx, dsn, postgres.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPostgres_EngineRoundTrip(t *testing.T) {
	// GIVEN: A fresh namespace of IDs on a shared database
	s := openStore(t)
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000")
	loc := fifo.LocationID("pg-bar-" + suffix)
	item := fifo.ItemID("pg-rum-" + suffix)

	eng := fifo.NewEngine(s)
	require.NoError(t, eng.SaveLocation(ctx, fifo.Location{ID: loc, Name: "Bar", Active: true}))
	require.NoError(t, eng.SaveItem(ctx, fifo.Item{ID: item, Name: "Rum", CostBasis: d("4"), SalePrice: d("9"), Active: true}))

	// WHEN: Two receipts and a sale spanning both
	for i, cost := range []string{"4", "5"} {
		_, err := eng.Apply(ctx, fifo.EventInput{
			Kind: fifo.KindReceipt, Location: loc, Item: item,
			Quantity: d("10"), UnitPrice: d(cost), Date: time.Date(2025, 4, i+1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
	sale, err := eng.Apply(ctx, fifo.EventInput{
		Kind: fifo.KindSale, Location: loc, Item: item,
		Quantity: d("12.5"), UnitPrice: d("9"), Date: time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// THEN: NUMERIC columns round-trip exactly and FIFO holds
	assert.True(t, d("52.5").Equal(sale.Cost()))
	avail, err := eng.AvailableQuantity(ctx, loc, item)
	require.NoError(t, err)
	assert.True(t, d("7.5").Equal(avail))

	report, err := eng.Verify(ctx, fifo.Scope{Location: loc})
	require.NoError(t, err)
	assert.True(t, report.Clean())

	_, err = s.GetEvent(ctx, "missing-"+fifo.EventID(suffix))
	assert.ErrorIs(t, err, fifo.ErrEventNotFound)
}
