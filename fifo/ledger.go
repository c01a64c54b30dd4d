/*
ledger.go - Consumption Ledger component

PURPOSE:
  The cost trail of every consumption. A record says "event E took Q units
  from lot L at unit cost C". Records are immutable; the only deletion is
  DeleteAllFor, which the reversal path calls in the same transaction that
  restores the lots.

INVARIANTS (per consuming event):
  - sequence numbers are 1..N with no gaps
  - quantities sum exactly to the event quantity
  - lot dates never decrease with sequence
*/
package fifo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger is the consumption ledger bound to one transaction.
type Ledger struct {
	store Store
	newID func() string
}

// NewLedger binds the ledger component to a store.
func NewLedger(s Store, newID func() string) *Ledger {
	return &Ledger{store: s, newID: newID}
}

// Append writes one record.
func (l *Ledger) Append(ctx context.Context, eventID EventID, lot Lot, qty, unitCost decimal.Decimal, seq int) (LedgerRecord, error) {
	if !qty.IsPositive() {
		return LedgerRecord{}, consistencyf("ledger.append", eventID, lot.ID, "non-positive quantity %s", qty)
	}
	if seq < 1 {
		return LedgerRecord{}, consistencyf("ledger.append", eventID, lot.ID, "invalid sequence %d", seq)
	}
	rec := LedgerRecord{
		ID:       RecordID(l.newID()),
		EventID:  eventID,
		LotID:    lot.ID,
		Quantity: qty,
		UnitCost: unitCost,
		Sequence: seq,
		LotDate:  lot.Date,
	}
	if err := l.store.InsertRecord(ctx, rec); err != nil {
		return LedgerRecord{}, fmt.Errorf("append ledger record: %w", err)
	}
	return rec, nil
}

// RecordsFor returns the records of an event ordered by sequence.
func (l *Ledger) RecordsFor(ctx context.Context, eventID EventID) ([]LedgerRecord, error) {
	return l.store.RecordsForEvent(ctx, eventID)
}

// TotalConsumedFrom sums every record drawn from a lot.
func (l *Ledger) TotalConsumedFrom(ctx context.Context, lotID LotID) (decimal.Decimal, error) {
	records, err := l.store.RecordsForLot(ctx, lotID)
	if err != nil {
		return decimal.Zero, err
	}
	return recordsQuantity(records), nil
}

// DeleteAllFor removes every record of an event.
func (l *Ledger) DeleteAllFor(ctx context.Context, eventID EventID) (int, error) {
	return l.store.DeleteRecordsForEvent(ctx, eventID)
}

// checkRecords validates the per-event ledger invariants.
func checkRecords(op string, eventID EventID, records []LedgerRecord, want decimal.Decimal) error {
	for i, r := range records {
		if r.Sequence != i+1 {
			return consistencyf(op, eventID, r.LotID, "sequence %d at position %d", r.Sequence, i+1)
		}
		if i > 0 && r.LotDate.Before(records[i-1].LotDate) {
			return consistencyf(op, eventID, r.LotID, "lot date %s precedes %s",
				r.LotDate.Format("2006-01-02"), records[i-1].LotDate.Format("2006-01-02"))
		}
	}
	if got := recordsQuantity(records); !got.Equal(want) {
		return consistencyf(op, eventID, "", "records sum %s, event quantity %s", got, want)
	}
	return nil
}
