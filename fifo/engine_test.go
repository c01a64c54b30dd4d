package fifo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lot-engine/fifo"
	"github.com/warp/lot-engine/fifo/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	ship1 fifo.LocationID = "ship-1"
	ship2 fifo.LocationID = "ship-2"
	port  fifo.LocationID = "port"

	gin   fifo.ItemID = "gin"
	tonic fifo.ItemID = "tonic"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func jan(day int) time.Time {
	return time.Date(2025, time.January, day, 0, 0, 0, 0, time.UTC)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !d(want).Equal(got) {
		assert.Fail(t, "decimal mismatch", append([]any{"want " + want + ", got " + got.String()}, msgAndArgs...)...)
	}
}

type fixture struct {
	ctx context.Context
	eng *fifo.Engine
	mem *store.Memory
}

func newFixture(t *testing.T, opts ...fifo.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	eng := fifo.NewEngine(mem, opts...)

	require.NoError(t, eng.SaveLocation(ctx, fifo.Location{ID: ship1, Name: "Ship One", DutyExempt: true, Active: true}))
	require.NoError(t, eng.SaveLocation(ctx, fifo.Location{ID: ship2, Name: "Ship Two", DutyExempt: true, Active: true}))
	require.NoError(t, eng.SaveLocation(ctx, fifo.Location{ID: port, Name: "Port Store", Active: true}))
	require.NoError(t, eng.SaveItem(ctx, fifo.Item{ID: gin, Name: "Gin", CostBasis: d("5"), SalePrice: d("12"), DutyExempt: true, Active: true}))
	require.NoError(t, eng.SaveItem(ctx, fifo.Item{ID: tonic, Name: "Tonic", CostBasis: d("1"), SalePrice: d("3"), Active: true}))

	return &fixture{ctx: ctx, eng: eng, mem: mem}
}

func (f *fixture) receive(t *testing.T, id string, loc fifo.LocationID, item fifo.ItemID, qty, cost string, date time.Time) fifo.AppliedEvent {
	t.Helper()
	out, err := f.eng.Apply(f.ctx, fifo.EventInput{
		ID: fifo.EventID(id), Kind: fifo.KindReceipt, Location: loc, Item: item,
		Quantity: d(qty), UnitPrice: d(cost), Date: date,
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) sell(t *testing.T, id string, loc fifo.LocationID, item fifo.ItemID, qty string, date time.Time) fifo.AppliedEvent {
	t.Helper()
	out, err := f.eng.Apply(f.ctx, fifo.EventInput{
		ID: fifo.EventID(id), Kind: fifo.KindSale, Location: loc, Item: item,
		Quantity: d(qty), UnitPrice: d("12"), Date: date,
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) available(t *testing.T, loc fifo.LocationID, item fifo.ItemID) decimal.Decimal {
	t.Helper()
	qty, err := f.eng.AvailableQuantity(f.ctx, loc, item)
	require.NoError(t, err)
	return qty
}

func (f *fixture) lots(t *testing.T, loc fifo.LocationID, item fifo.ItemID) []fifo.LotView {
	t.Helper()
	lots, err := f.eng.LotsFor(f.ctx, loc, item)
	require.NoError(t, err)
	return lots
}

func assertSameLots(t *testing.T, want, got []fifo.LotView) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].LotID, got[i].LotID)
		assertDec(t, want[i].Remaining.String(), got[i].Remaining, "lot %s", want[i].LotID)
		assertDec(t, want[i].Original.String(), got[i].Original)
		assertDec(t, want[i].UnitCost.String(), got[i].UnitCost)
	}
}

func (f *fixture) requireClean(t *testing.T) {
	t.Helper()
	report, err := f.eng.Verify(f.ctx, fifo.Scope{})
	require.NoError(t, err)
	require.True(t, report.Clean(), "verify: lot=%v event=%v", report.LotIssues, report.EventIssues)
}

// =============================================================================
// FIFO ALLOCATION
// =============================================================================

func TestApply_SaleConsumesOldestLotFirst(t *testing.T) {
	// GIVEN: Lot A (Jan 1, 100 @ 5) and Lot B (Jan 5, 50 @ 6)
	f := newFixture(t)
	a := f.receive(t, "rcv-a", ship1, gin, "100", "5", jan(1))
	b := f.receive(t, "rcv-b", ship1, gin, "50", "6", jan(5))

	// WHEN: Selling 120
	out := f.sell(t, "sale-1", ship1, gin, "120", jan(10))

	// THEN: 100 from A at 5, then 20 from B at 6
	require.Len(t, out.Records, 2)
	assert.Equal(t, a.Lot.ID, out.Records[0].LotID)
	assertDec(t, "100", out.Records[0].Quantity)
	assertDec(t, "5", out.Records[0].UnitCost)
	assert.Equal(t, 1, out.Records[0].Sequence)
	assert.Equal(t, b.Lot.ID, out.Records[1].LotID)
	assertDec(t, "20", out.Records[1].Quantity)
	assertDec(t, "6", out.Records[1].UnitCost)
	assert.Equal(t, 2, out.Records[1].Sequence)
	assertDec(t, "620", out.Cost())

	lots := f.lots(t, ship1, gin)
	require.Len(t, lots, 1, "lot A is exhausted and no longer available")
	assert.Equal(t, b.Lot.ID, lots[0].LotID)
	assertDec(t, "30", lots[0].Remaining)
	assertDec(t, "30", f.available(t, ship1, gin))

	f.requireClean(t)
}

func TestApply_OrderIsByLotDateNotApplyOrder(t *testing.T) {
	// GIVEN: A later-dated receipt applied before an earlier-dated one
	f := newFixture(t)
	late := f.receive(t, "late", ship1, gin, "10", "9", jan(20))
	early := f.receive(t, "early", ship1, gin, "10", "4", jan(2))

	// WHEN: Selling 5
	out := f.sell(t, "sale", ship1, gin, "5", jan(25))

	// THEN: The earlier-dated lot pays
	require.Len(t, out.Records, 1)
	assert.Equal(t, early.Lot.ID, out.Records[0].LotID)
	assert.NotEqual(t, late.Lot.ID, out.Records[0].LotID)
}

func TestApply_SameDateLotsUseCreationOrder(t *testing.T) {
	f := newFixture(t)
	first := f.receive(t, "first", ship1, gin, "3", "5", jan(1))
	second := f.receive(t, "second", ship1, gin, "3", "7", jan(1))

	out := f.sell(t, "sale", ship1, gin, "4", jan(2))

	require.Len(t, out.Records, 2)
	assert.Equal(t, first.Lot.ID, out.Records[0].LotID)
	assert.Equal(t, second.Lot.ID, out.Records[1].LotID)
	assertDec(t, "1", out.Records[1].Quantity)
}

func TestApply_LocationsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "10", "5", jan(1))
	f.receive(t, "r2", ship2, gin, "10", "5", jan(1))

	f.sell(t, "s1", ship1, gin, "10", jan(2))

	assertDec(t, "0", f.available(t, ship1, gin))
	assertDec(t, "10", f.available(t, ship2, gin))
}

func TestApply_ConservesQuantity(t *testing.T) {
	// Received = remaining + consumed, for any sequence of operations.
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "40", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "25.5", "5.5", jan(3))
	f.sell(t, "s1", ship1, gin, "12.25", jan(4))
	f.sell(t, "s2", ship1, gin, "30", jan(5))
	_, err := f.eng.Apply(f.ctx, fifo.EventInput{Kind: fifo.KindWaste, Location: ship1, Item: gin, Quantity: d("3"), Date: jan(6)})
	require.NoError(t, err)

	assertDec(t, "20.25", f.available(t, ship1, gin))
	f.requireClean(t)
}

// =============================================================================
// REFUSALS
// =============================================================================

func TestApply_InsufficientInventoryChangesNothing(t *testing.T) {
	// GIVEN: 30 units available
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "30", "5", jan(1))

	// WHEN: Selling 31
	_, err := f.eng.Apply(f.ctx, fifo.EventInput{
		ID: "too-much", Kind: fifo.KindSale, Location: ship1, Item: gin, Quantity: d("31"), Date: jan(2),
	})

	// THEN: Refused with details, nothing written
	var short *fifo.InsufficientInventoryError
	require.ErrorAs(t, err, &short)
	assert.ErrorIs(t, err, fifo.ErrInsufficientInventory)
	assert.True(t, fifo.IsClientError(err))
	assertDec(t, "30", short.Available)
	assertDec(t, "31", short.Requested)
	assertDec(t, "1", short.Shortfall())

	_, err = f.eng.Event(f.ctx, "too-much")
	assert.ErrorIs(t, err, fifo.ErrEventNotFound)
	assertDec(t, "30", f.available(t, ship1, gin))
	f.requireClean(t)
}

func TestApply_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "30", "5", jan(1))

	tests := []struct {
		name string
		in   fifo.EventInput
		want error
	}{
		{"zero quantity", fifo.EventInput{Kind: fifo.KindSale, Location: ship1, Item: gin, Quantity: d("0")}, fifo.ErrInvalidQuantity},
		{"negative quantity", fifo.EventInput{Kind: fifo.KindWaste, Location: ship1, Item: gin, Quantity: d("-1")}, fifo.ErrInvalidQuantity},
		{"free receipt", fifo.EventInput{Kind: fifo.KindReceipt, Location: ship1, Item: gin, Quantity: d("1"), UnitPrice: d("0")}, fifo.ErrInvalidUnitCost},
		{"unknown location", fifo.EventInput{Kind: fifo.KindSale, Location: "nowhere", Item: gin, Quantity: d("1")}, fifo.ErrUnknownLocation},
		{"unknown item", fifo.EventInput{Kind: fifo.KindSale, Location: ship1, Item: "rum", Quantity: d("1")}, fifo.ErrUnknownItem},
		{"unknown kind", fifo.EventInput{Kind: "theft", Location: ship1, Item: gin, Quantity: d("1")}, fifo.ErrInvalidKind},
		{"direct transfer_in", fifo.EventInput{Kind: fifo.KindTransferIn, Location: ship1, Item: gin, Quantity: d("1")}, fifo.ErrInvalidKind},
		{"transfer to self", fifo.EventInput{Kind: fifo.KindTransferOut, Location: ship1, Destination: ship1, Item: gin, Quantity: d("1")}, fifo.ErrSameLocation},
		{"duty-free at port", fifo.EventInput{Kind: fifo.KindSale, Location: port, Item: gin, Quantity: d("1"), DutyExempt: true}, fifo.ErrDutyExemptIneligible},
		{"duty-free tonic", fifo.EventInput{Kind: fifo.KindSale, Location: ship1, Item: tonic, Quantity: d("1"), DutyExempt: true}, fifo.ErrDutyExemptIneligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Apply(f.ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assertDec(t, "30", f.available(t, ship1, gin))
}

func TestApply_InactiveMasterDataRefused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.SaveItem(f.ctx, fifo.Item{ID: "retired", Name: "Retired", Active: false}))

	_, err := f.eng.Apply(f.ctx, fifo.EventInput{
		Kind: fifo.KindReceipt, Location: ship1, Item: "retired", Quantity: d("1"), UnitPrice: d("1"),
	})
	assert.ErrorIs(t, err, fifo.ErrInactive)
}

func TestApply_DutyExemptSaleAllowedWhenBothEligible(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "5", "5", jan(1))

	out, err := f.eng.Apply(f.ctx, fifo.EventInput{
		Kind: fifo.KindSale, Location: ship1, Item: gin, Quantity: d("2"), UnitPrice: d("10"), DutyExempt: true, Date: jan(2),
	})
	require.NoError(t, err)
	assert.True(t, out.Event.DutyExempt)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApply_ConcurrentSalesNeverOversell(t *testing.T) {
	// GIVEN: 30 units
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "20", "5", jan(1))
	f.receive(t, "r2", ship1, gin, "10", "6", jan(2))

	// WHEN: 50 concurrent sales of 1
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, refused := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Apply(f.ctx, fifo.EventInput{Kind: fifo.KindSale, Location: ship1, Item: gin, Quantity: d("1"), Date: jan(3)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, fifo.ErrInsufficientInventory):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly 30 succeed
	assert.Equal(t, 30, ok)
	assert.Equal(t, 20, refused)
	assertDec(t, "0", f.available(t, ship1, gin))
	f.requireClean(t)
}

func TestApply_OppositeTransfersDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "r1", ship1, gin, "100", "5", jan(1))
	f.receive(t, "r2", ship2, gin, "100", "7", jan(1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.eng.Apply(f.ctx, fifo.EventInput{Kind: fifo.KindTransferOut, Location: ship1, Destination: ship2, Item: gin, Quantity: d("1"), Date: jan(2)})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.eng.Apply(f.ctx, fifo.EventInput{Kind: fifo.KindTransferOut, Location: ship2, Destination: ship1, Item: gin, Quantity: d("1"), Date: jan(2)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertDec(t, "100", f.available(t, ship1, gin))
	assertDec(t, "100", f.available(t, ship2, gin))
	f.requireClean(t)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestDocument_CompletedFreezesEvents(t *testing.T) {
	f := newFixture(t)
	doc, err := f.eng.OpenDocument(f.ctx, "po-1", "purchase_order", "PO-2025-001")
	require.NoError(t, err)
	assert.Equal(t, fifo.DocumentOpen, doc.State)

	_, err = f.eng.Apply(f.ctx, fifo.EventInput{
		ID: "r1", Kind: fifo.KindReceipt, Location: ship1, Item: gin, Quantity: d("10"), UnitPrice: d("5"), DocumentID: "po-1",
	})
	require.NoError(t, err)

	_, err = f.eng.CompleteDocument(f.ctx, "po-1")
	require.NoError(t, err)

	// Frozen: no new events, no reversal
	_, err = f.eng.Apply(f.ctx, fifo.EventInput{
		Kind: fifo.KindReceipt, Location: ship1, Item: gin, Quantity: d("1"), UnitPrice: d("5"), DocumentID: "po-1",
	})
	assert.ErrorIs(t, err, fifo.ErrDocumentCompleted)
	assert.ErrorIs(t, f.eng.Reverse(f.ctx, "r1"), fifo.ErrDocumentCompleted)

	// Completing twice is not a legal transition
	_, err = f.eng.CompleteDocument(f.ctx, "po-1")
	assert.ErrorIs(t, err, fifo.ErrInvalidTransition)

	// Reopen unfreezes
	_, err = f.eng.ReopenDocument(f.ctx, "po-1")
	require.NoError(t, err)
	assert.NoError(t, f.eng.Reverse(f.ctx, "r1"))
}

func TestDocument_OpenWithExistingIDRefused(t *testing.T) {
	// GIVEN: A completed document
	f := newFixture(t)
	_, err := f.eng.OpenDocument(f.ctx, "po-1", "purchase_order", "PO-2025-001")
	require.NoError(t, err)
	_, err = f.eng.CompleteDocument(f.ctx, "po-1")
	require.NoError(t, err)

	// WHEN: Opening it again under the same ID
	_, err = f.eng.OpenDocument(f.ctx, "po-1", "count", "overwrite")

	// THEN: Refused, and the document stays completed and unchanged
	assert.ErrorIs(t, err, fifo.ErrDuplicateDocument)
	assert.True(t, fifo.IsClientError(err))
	doc, err := f.eng.Document(f.ctx, "po-1")
	require.NoError(t, err)
	assert.Equal(t, fifo.DocumentCompleted, doc.State)
	assert.Equal(t, "purchase_order", doc.Kind)
}

func TestDocument_UnknownDocumentRefused(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Apply(f.ctx, fifo.EventInput{
		Kind: fifo.KindReceipt, Location: ship1, Item: gin, Quantity: d("1"), UnitPrice: d("5"), DocumentID: "missing",
	})
	assert.ErrorIs(t, err, fifo.ErrDocumentNotFound)
	assert.True(t, fifo.IsNotFound(err))
}
