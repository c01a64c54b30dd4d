/*
allocator.go - FIFO allocation

PURPOSE:
  Decides which lots pay for a consumption. Walks the available lots of one
  (location, item) oldest first, takes min(remaining, still needed) from
  each, writes one ledger record per lot touched and decrements the lots.

ALGORITHM:
  1. qty must be positive
  2. load available lots (row-locked where supported)
  3. if their sum is below qty, refuse with InsufficientInventoryError and
     write nothing
  4. walk oldest first, writing records with sequence 1..N
  5. re-check the per-event invariants; a failure is a consistency fault

The allocator is the only writer of ledger records and the only code that
decrements Lot.Remaining.

EXAMPLE:
  Lot A (Jan 1, 100 @ 5), Lot B (Jan 5, 50 @ 6), consume 120:
    record 1: A, 100 @ 5
    record 2: B,  20 @ 6
  A.Remaining = 0, B.Remaining = 30, cost of goods = 620.
*/
package fifo

import (
	"context"

	"github.com/shopspring/decimal"
)

// Allocator performs FIFO allocation inside one transaction.
type Allocator struct {
	lots   *Lots
	ledger *Ledger
}

// NewAllocator builds an allocator over the lot and ledger components.
func NewAllocator(lots *Lots, ledger *Ledger) *Allocator {
	return &Allocator{lots: lots, ledger: ledger}
}

// Allocate consumes qty of item at loc on behalf of eventID.
func (a *Allocator) Allocate(ctx context.Context, loc LocationID, item ItemID, qty decimal.Decimal, eventID EventID) ([]LedgerRecord, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	lots, err := a.lots.ListAvailable(ctx, loc, item)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.Remaining)
	}
	if available.LessThan(qty) {
		return nil, &InsufficientInventoryError{
			Location:  loc,
			Item:      item,
			Available: available,
			Requested: qty,
		}
	}

	var records []LedgerRecord
	needed := qty
	for _, lot := range lots {
		if !needed.IsPositive() {
			break
		}
		take := decimal.Min(lot.Remaining, needed)
		if !take.IsPositive() {
			continue
		}
		rec, err := a.ledger.Append(ctx, eventID, lot, take, lot.UnitCost, len(records)+1)
		if err != nil {
			return nil, err
		}
		if err := a.lots.store.UpdateLotRemaining(ctx, lot.ID, lot.Remaining.Sub(take)); err != nil {
			return nil, err
		}
		records = append(records, rec)
		needed = needed.Sub(take)
	}

	if needed.IsPositive() {
		return nil, consistencyf("allocate", eventID, "", "%s left unallocated after walking lots", needed)
	}
	if err := checkRecords("allocate", eventID, records, qty); err != nil {
		return nil, err
	}
	return records, nil
}
