/*
lots.go - Lot Store component

PURPOSE:
  Creates, lists and deletes lots. Knows nothing about events or the
  ledger; it only guarantees that a lot is born with Remaining = Original
  and that a lot which has been consumed is never deleted.

INVARIANTS:
  - Original > 0 and UnitCost > 0 at creation
  - 0 <= Remaining <= Original
  - Original never changes after creation
*/
package fifo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Lots is the lot store bound to one transaction.
type Lots struct {
	store Store
	newID func() string
	now   func() time.Time
}

// NewLots binds the lot component to a store.
func NewLots(s Store, newID func() string, now func() time.Time) *Lots {
	return &Lots{store: s, newID: newID, now: now}
}

// Create persists a new lot with Remaining = Original = spec.Quantity.
func (l *Lots) Create(ctx context.Context, spec LotSpec) (Lot, error) {
	if !spec.Quantity.IsPositive() {
		return Lot{}, fmt.Errorf("create lot: %w", ErrInvalidQuantity)
	}
	if !spec.UnitCost.IsPositive() {
		return Lot{}, fmt.Errorf("create lot: %w", ErrInvalidUnitCost)
	}

	id := spec.ID
	if id == "" {
		id = LotID(l.newID())
	}
	lot := Lot{
		ID:        id,
		Location:  spec.Location,
		Item:      spec.Item,
		Date:      DateOf(spec.Date),
		Seq:       spec.Seq,
		UnitCost:  spec.UnitCost,
		Original:  spec.Quantity,
		Remaining: spec.Quantity,
		EventID:   spec.EventID,
		CreatedAt: l.now(),
	}
	if err := l.store.InsertLot(ctx, lot); err != nil {
		return Lot{}, fmt.Errorf("create lot: %w", err)
	}
	return lot, nil
}

// ListAvailable returns the lots with stock left, oldest first. Stores with
// row locks hold them until the transaction ends.
func (l *Lots) ListAvailable(ctx context.Context, loc LocationID, item ItemID) ([]Lot, error) {
	return l.store.ListLots(ctx, LotFilter{
		Scope:         Scope{Location: loc, Item: item},
		AvailableOnly: true,
		ForUpdate:     true,
	})
}

// TotalAvailable sums the remaining quantity at a location.
func (l *Lots) TotalAvailable(ctx context.Context, loc LocationID, item ItemID) (decimal.Decimal, error) {
	lots, err := l.store.ListLots(ctx, LotFilter{
		Scope:         Scope{Location: loc, Item: item},
		AvailableOnly: true,
	})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.Remaining)
	}
	return total, nil
}

// Delete removes a lot that has never been consumed.
func (l *Lots) Delete(ctx context.Context, id LotID) error {
	lot, err := l.store.GetLot(ctx, id)
	if err != nil {
		return err
	}
	if !lot.Untouched() {
		return &LotInUseError{LotID: lot.ID, Original: lot.Original, Remaining: lot.Remaining}
	}
	return l.store.DeleteLot(ctx, id)
}

// restore returns quantity to a lot during reversal.
func (l *Lots) restore(ctx context.Context, id LotID, qty decimal.Decimal, eventID EventID) error {
	lot, err := l.store.GetLot(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return consistencyf("reverse", eventID, id, "ledger record references missing lot")
		}
		return err
	}
	restored := lot.Remaining.Add(qty)
	if restored.GreaterThan(lot.Original) {
		return consistencyf("reverse", eventID, id,
			"restoring %s would exceed original %s (remaining %s)", qty, lot.Original, lot.Remaining)
	}
	return l.store.UpdateLotRemaining(ctx, id, restored)
}
