package fifo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/fifo"
)

// history builds a small but complete history: receipts, sales, waste, a
// transfer and a reversed sale.
func history(t *testing.T, f *fixture) {
	t.Helper()
	f.receive(t, "rcv-a", ship1, gin, "100", "5", jan(1))
	f.receive(t, "rcv-b", ship1, gin, "50", "6", jan(5))
	f.receive(t, "rcv-t", ship1, tonic, "200", "1", jan(1))
	f.sell(t, "sale-1", ship1, gin, "120", jan(10))
	transfer(t, f, "xfer-1", ship1, ship2, "20")
	f.sell(t, "sale-2", ship2, gin, "5", jan(16))
	f.sell(t, "sale-3", ship1, tonic, "30", jan(12))
	f.sell(t, "sale-4", ship1, tonic, "1", jan(12))
	require.NoError(t, f.eng.Reverse(f.ctx, "sale-4"))
	_, err := f.eng.Apply(f.ctx, fifo.EventInput{ID: "waste-1", Kind: fifo.KindWaste, Location: ship1, Item: gin, Quantity: d("2"), Date: jan(20)})
	require.NoError(t, err)
}

func TestRebuild_ReproducesLiveState(t *testing.T) {
	// GIVEN: State built by live operations
	f := newFixture(t)
	history(t, f)
	ship1Gin := f.lots(t, ship1, gin)
	ship2Gin := f.lots(t, ship2, gin)
	ship1Tonic := f.lots(t, ship1, tonic)
	sale1, err := f.eng.Records(f.ctx, "sale-1")
	require.NoError(t, err)

	// WHEN: Rebuilding everything
	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)

	// THEN: Same lots, same allocations, no shortfalls, no changes
	assert.Empty(t, report.Shortfalls)
	assert.Empty(t, report.Changes)
	assert.False(t, report.DryRun)
	assert.Equal(t, 4, report.LotsCreated)
	assert.Equal(t, report.LotsDeleted, report.LotsCreated)
	assertSameLots(t, ship1Gin, f.lots(t, ship1, gin))
	assertSameLots(t, ship2Gin, f.lots(t, ship2, gin))
	assertSameLots(t, ship1Tonic, f.lots(t, ship1, tonic))

	rebuilt, err := f.eng.Records(f.ctx, "sale-1")
	require.NoError(t, err)
	require.Len(t, rebuilt, len(sale1))
	for i := range sale1 {
		assert.Equal(t, sale1[i].LotID, rebuilt[i].LotID)
		assert.Equal(t, sale1[i].Sequence, rebuilt[i].Sequence)
		assertDec(t, sale1[i].Quantity.String(), rebuilt[i].Quantity)
	}
	f.requireClean(t)
}

func TestRebuild_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	history(t, f)

	_, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)
	first := f.lots(t, ship1, gin)

	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)

	assert.Empty(t, report.Changes)
	assertSameLots(t, first, f.lots(t, ship1, gin))
}

func TestRebuild_RepairsCorruptedRemaining(t *testing.T) {
	// GIVEN: A lot whose remaining was overwritten outside the engine
	f := newFixture(t)
	history(t, f)
	lots := f.lots(t, ship1, gin)
	require.NotEmpty(t, lots)
	victim := lots[0]
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, victim.LotID, d("999")))
	})

	// WHEN: Rebuilding the position
	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{Location: ship1, Item: gin}, fifo.RebuildOptions{})
	require.NoError(t, err)

	// THEN: The change is reported and the value restored
	require.Len(t, report.Changes, 1)
	assert.Equal(t, victim.EventID, report.Changes[0].EventID)
	assertDec(t, "999", report.Changes[0].Before)
	assertDec(t, victim.Remaining.String(), report.Changes[0].After)
	assertSameLots(t, lots, f.lots(t, ship1, gin))
	f.requireClean(t)
}

func TestRebuild_DryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	history(t, f)
	lots := f.lots(t, ship1, gin)
	f.mem.Corrupt(func(s fifo.Store) {
		require.NoError(t, s.UpdateLotRemaining(f.ctx, lots[0].LotID, d("1")))
	})

	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	require.Len(t, report.Changes, 1)
	got := f.lots(t, ship1, gin)
	assertDec(t, "1", got[0].Remaining, "dry run must roll back")
}

func TestRebuild_ReportsShortfallAndContinues(t *testing.T) {
	// GIVEN: History where a receipt quantity was shrunk outside the engine,
	// so the later sale can no longer be satisfied on replay
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship2, gin, "10", "5", jan(1))
	f.sell(t, "s1", ship1, gin, "8", jan(2))
	f.sell(t, "s2", ship2, gin, "3", jan(2))
	f.mem.Corrupt(func(s fifo.Store) {
		ev, err := s.GetEvent(f.ctx, "r1")
		require.NoError(t, err)
		ev.Quantity = d("5")
		require.NoError(t, s.UpdateEvent(f.ctx, ev))
	})

	// WHEN: Rebuilding everything
	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)

	// THEN: s1 is a shortfall, s2 was still replayed
	require.Len(t, report.Shortfalls, 1)
	sf := report.Shortfalls[0]
	assert.Equal(t, fifo.EventID("s1"), sf.EventID)
	assert.Equal(t, fifo.ReasonInsufficient, sf.Reason)
	assertDec(t, "8", sf.Requested)
	assertDec(t, "5", sf.Available)
	assertDec(t, "7", f.available(t, ship2, gin))

	verify, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)
	codes := verify.CountByCode()
	assert.Equal(t, 1, codes[fifo.IssueUnallocated])
}

func TestRebuild_ScopedToDestinationPricesFromSource(t *testing.T) {
	// GIVEN: A transfer whose destination lot cost was corrupted
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "8", jan(2))
	out := transfer(t, f, "xfer-1", ship1, ship2, "15")
	f.mem.Corrupt(func(s fifo.Store) {
		ev, err := s.GetEvent(f.ctx, out.InEvent.ID)
		require.NoError(t, err)
		ev.UnitPrice = d("99")
		require.NoError(t, s.UpdateEvent(f.ctx, ev))
	})

	// WHEN: Rebuilding only the destination
	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{Location: ship2}, fifo.RebuildOptions{})
	require.NoError(t, err)

	// THEN: The lot is priced from the surviving source records
	assert.Equal(t, 1, report.LotsCreated)
	lots := f.lots(t, ship2, gin)
	require.Len(t, lots, 1)
	assertDec(t, "6", lots[0].UnitCost)
	assertDec(t, "5", f.available(t, ship1, gin), "source untouched")
	ev, err := f.eng.Event(f.ctx, out.InEvent.ID)
	require.NoError(t, err)
	assertDec(t, "6", ev.UnitPrice)
	f.requireClean(t)
}

func TestRebuild_KeepsLotIDs(t *testing.T) {
	f := newFixture(t)
	a := f.receive(t, "r1", ship1, gin, "10", "5", jan(1))

	_, err := f.eng.Rebuild(f.ctx, fifo.Scope{Item: gin}, fifo.RebuildOptions{})
	require.NoError(t, err)

	lots := f.lots(t, ship1, gin)
	require.Len(t, lots, 1)
	assert.Equal(t, a.Lot.ID, lots[0].LotID)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestRebuild_SaleDatedBeforeTransferStillDrawsFromIt(t *testing.T) {
	// GIVEN: A transfer dated Jan 15 and a ship-2 sale dated Jan 5 that drew
	// from the transferred lot
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "30", "5", jan(1))
	transfer(t, f, "xfer-1", ship1, ship2, "30")
	f.sell(t, "s1", ship2, gin, "10", jan(5))
	live := f.lots(t, ship2, gin)
	require.Len(t, live, 1)
	assertDec(t, "20", live[0].Remaining)

	// WHEN: Rebuilding everything
	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)

	// THEN: The sale is replayed against the transferred lot
	assert.Empty(t, report.Shortfalls)
	assert.Empty(t, report.Changes)
	assertSameLots(t, live, f.lots(t, ship2, gin))
	records, err := f.eng.Records(f.ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, live[0].LotID, records[0].LotID)
	f.requireClean(t)
}

func TestRebuild_RepricesTransferLotAndEarlierRecords(t *testing.T) {
	// GIVEN: A multi-lot transfer, a backdated destination sale, then a
	// source receipt whose price was corrected outside the engine
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "8", jan(2))
	out := transfer(t, f, "xfer-1", ship1, ship2, "15")
	f.sell(t, "s1", ship2, gin, "4", jan(5))
	assertDec(t, "6", f.lots(t, ship2, gin)[0].UnitCost)
	f.mem.Corrupt(func(s fifo.Store) {
		ev, err := s.GetEvent(f.ctx, "r2")
		require.NoError(t, err)
		ev.UnitPrice = d("11")
		require.NoError(t, s.UpdateEvent(f.ctx, ev))
	})

	// WHEN: Rebuilding everything
	report, err := f.eng.Rebuild(f.ctx, fifo.Scope{}, fifo.RebuildOptions{})
	require.NoError(t, err)

	// THEN: Destination lot, transfer_in and the sale's records carry (50+55)/15
	assert.Empty(t, report.Shortfalls)
	lots := f.lots(t, ship2, gin)
	require.Len(t, lots, 1)
	assertDec(t, "7", lots[0].UnitCost)
	assertDec(t, "11", lots[0].Remaining)
	in, err := f.eng.Event(f.ctx, out.InEvent.ID)
	require.NoError(t, err)
	assertDec(t, "7", in.UnitPrice)
	records, err := f.eng.Records(f.ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assertDec(t, "7", records[0].UnitCost)
	f.requireClean(t)
}
