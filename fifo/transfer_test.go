package fifo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/fifo"
)

func transfer(t *testing.T, f *fixture, id string, from, to fifo.LocationID, qty string) fifo.AppliedEvent {
	t.Helper()
	out, err := f.eng.Apply(f.ctx, fifo.EventInput{
		ID: fifo.EventID(id), Kind: fifo.KindTransferOut, Location: from, Destination: to,
		Item: gin, Quantity: d(qty), Date: jan(15),
	})
	require.NoError(t, err)
	return out
}

func TestTransfer_CarriesCostToDestination(t *testing.T) {
	// GIVEN: 100 units at 8 on ship-1
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "100", "8", jan(1))

	// WHEN: Transferring 30 to ship-2
	out := transfer(t, f, "xfer-1", ship1, ship2, "30")

	// THEN: Source down 30, destination has one lot of 30 @ 8
	assertDec(t, "70", f.available(t, ship1, gin))
	lots := f.lots(t, ship2, gin)
	require.Len(t, lots, 1)
	assertDec(t, "30", lots[0].Original)
	assertDec(t, "8", lots[0].UnitCost)
	assert.True(t, jan(15).Equal(lots[0].Date))

	require.NotNil(t, out.Transfer)
	require.NotNil(t, out.InEvent)
	assert.Equal(t, fifo.KindTransferIn, out.InEvent.Kind)
	assert.Equal(t, out.Transfer.ID, out.Event.TransferID)
	assert.Equal(t, out.Transfer.ID, out.InEvent.TransferID)
	assert.Equal(t, out.InEvent.ID, lots[0].EventID)
	f.requireClean(t)
}

func TestTransfer_MultiLotUsesWeightedCost(t *testing.T) {
	// GIVEN: 10 @ 5 and 10 @ 8
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "8", jan(2))

	// WHEN: Transferring 15 (10 @ 5 + 5 @ 8 = 90)
	out := transfer(t, f, "xfer-1", ship1, ship2, "15")

	// THEN: One destination lot at 90 / 15 = 6
	require.Len(t, out.Records, 2)
	require.NotNil(t, out.InLot)
	assertDec(t, "6", out.InLot.UnitCost)
	assertDec(t, "15", out.InLot.Original)
}

func TestTransfer_InsufficientAtSourceWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))

	_, err := f.eng.Apply(f.ctx, fifo.EventInput{
		Kind: fifo.KindTransferOut, Location: ship1, Destination: ship2, Item: gin, Quantity: d("11"), Date: jan(2),
	})

	assert.ErrorIs(t, err, fifo.ErrInsufficientInventory)
	assertDec(t, "10", f.available(t, ship1, gin))
	assertDec(t, "0", f.available(t, ship2, gin))
	events, err := f.eng.Events(f.ctx, fifo.EventFilter{Kinds: []fifo.Kind{fifo.KindTransferIn}})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTransfer_ReverseEitherHalfUndoesBoth(t *testing.T) {
	for _, half := range []string{"out", "in"} {
		t.Run(half, func(t *testing.T) {
			f := newFixture(t)
			f.receive(t, "r1", ship1, gin, "100", "8", jan(1))
			out := transfer(t, f, "xfer-1", ship1, ship2, "30")

			id := out.Event.ID
			if half == "in" {
				id = out.InEvent.ID
			}
			require.NoError(t, f.eng.Reverse(f.ctx, id))

			assertDec(t, "100", f.available(t, ship1, gin))
			assertDec(t, "0", f.available(t, ship2, gin))
			for _, evID := range []fifo.EventID{out.Event.ID, out.InEvent.ID} {
				ev, err := f.eng.Event(f.ctx, evID)
				require.NoError(t, err)
				assert.Equal(t, fifo.StatusReversed, ev.Status)
			}
			f.requireClean(t)
		})
	}
}

func TestTransfer_ReverseRefusedWhenDestinationConsumed(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "100", "8", jan(1))
	out := transfer(t, f, "xfer-1", ship1, ship2, "30")
	f.sell(t, "s1", ship2, gin, "5", jan(16))

	err := f.eng.Reverse(f.ctx, out.Event.ID)

	var inUse *fifo.ReceiptInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, out.InEvent.ID, inUse.EventID)
	assertDec(t, "70", f.available(t, ship1, gin))
	assertDec(t, "25", f.available(t, ship2, gin))
}

func TestTransfer_EditQuantityKeepsBothIDs(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "100", "8", jan(1))
	out := transfer(t, f, "xfer-1", ship1, ship2, "30")

	qty := d("40")
	edited, err := f.eng.Edit(f.ctx, out.Event.ID, fifo.EditParams{Quantity: &qty})
	require.NoError(t, err)

	assert.Equal(t, out.Transfer.ID, edited.Transfer.ID)
	assert.Equal(t, out.InEvent.ID, edited.InEvent.ID)
	assert.Equal(t, fifo.StatusApplied, edited.Transfer.Status)
	assertDec(t, "60", f.available(t, ship1, gin))
	assertDec(t, "40", f.available(t, ship2, gin))

	_, err = f.eng.Edit(f.ctx, out.InEvent.ID, fifo.EditParams{Quantity: &qty})
	assert.ErrorIs(t, err, fifo.ErrInvalidEdit)
	f.requireClean(t)
}

func TestTransfer_EditDestination(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "100", "8", jan(1))
	out := transfer(t, f, "xfer-1", ship1, ship2, "30")

	dest := port
	edited, err := f.eng.Edit(f.ctx, out.Event.ID, fifo.EditParams{Destination: &dest})
	require.NoError(t, err)

	assert.Equal(t, port, edited.Transfer.Destination)
	assertDec(t, "0", f.available(t, ship2, gin))
	assertDec(t, "30", f.available(t, port, gin))
	f.requireClean(t)
}
