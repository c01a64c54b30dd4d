/*
transfer.go - Transfer aggregate

PURPOSE:
  A transfer moves stock of one item from a source location to a
  destination. It is a single aggregate owning two events:
    transfer_out at the source (consumes lots FIFO)
    transfer_in  at the destination (creates one lot)
  Both are written in one transaction and reversed together.

COST CARRY-OVER:
  The destination lot costs the quantity-weighted average of the source
  records, rounded to CostPrecision places. A transfer drawing 30 units
  from a single lot at 8.00 produces a destination lot of 30 @ 8.00.
*/
package fifo

import (
	"context"
	"fmt"
)

func (e *Engine) applyTransfer(ctx context.Context, u *unit, out Event, dest LocationID, opts applyOpts) (AppliedEvent, error) {
	transferID := opts.transferID
	if transferID == "" {
		transferID = TransferID(e.newID())
	}
	inID := opts.inEventID
	if inID == "" {
		inID = EventID(e.newID())
	}
	inSeq := opts.inSeq
	if inSeq == 0 {
		var err error
		if inSeq, err = u.store.NextSeq(ctx); err != nil {
			return AppliedEvent{}, err
		}
	}

	out.TransferID = transferID
	if err := saveEvent(ctx, u.store, out, opts.existing); err != nil {
		return AppliedEvent{}, err
	}

	records, err := u.alloc.Allocate(ctx, out.Location, out.Item, out.Quantity, out.ID)
	if err != nil {
		return AppliedEvent{}, err
	}

	in := out
	in.ID = inID
	in.Seq = inSeq
	in.Kind = KindTransferIn
	in.Location = dest
	in.UnitPrice = weightedCost(records)
	in.DutyExempt = false
	if err := saveEvent(ctx, u.store, in, opts.existing); err != nil {
		return AppliedEvent{}, err
	}

	lot, err := u.lots.Create(ctx, LotSpec{
		Location: in.Location,
		Item:     in.Item,
		Date:     in.Date,
		Seq:      in.Seq,
		UnitCost: in.UnitPrice,
		Quantity: in.Quantity,
		EventID:  in.ID,
	})
	if err != nil {
		return AppliedEvent{}, err
	}

	t := Transfer{
		ID:          transferID,
		Item:        out.Item,
		Source:      out.Location,
		Destination: dest,
		OutEvent:    out.ID,
		InEvent:     in.ID,
		Status:      StatusApplied,
		CreatedAt:   out.CreatedAt,
	}
	if opts.existing {
		err = u.store.UpdateTransfer(ctx, t)
	} else {
		err = u.store.InsertTransfer(ctx, t)
	}
	if err != nil {
		return AppliedEvent{}, err
	}

	u.touch(out.Pair(), in.Pair())
	return AppliedEvent{Event: out, Records: records, Transfer: &t, InEvent: &in, InLot: &lot}, nil
}

// reverseTransfer undoes both halves. The destination lot must be untouched.
func (e *Engine) reverseTransfer(ctx context.Context, u *unit, id TransferID) error {
	t, err := u.store.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusReversed {
		return fmt.Errorf("transfer %s: %w", id, ErrEventReversed)
	}
	out, err := u.store.GetEvent(ctx, t.OutEvent)
	if err != nil {
		return err
	}
	in, err := u.store.GetEvent(ctx, t.InEvent)
	if err != nil {
		return err
	}

	if err := e.removeReceiptLot(ctx, u, in); err != nil {
		return err
	}
	if err := e.unallocate(ctx, u, out); err != nil {
		return err
	}

	now := e.now()
	for _, ev := range []Event{out, in} {
		ev.Status = StatusReversed
		ev.UpdatedAt = now
		if err := u.store.UpdateEvent(ctx, ev); err != nil {
			return err
		}
	}
	t.Status = StatusReversed
	if err := u.store.UpdateTransfer(ctx, t); err != nil {
		return err
	}
	u.touch(out.Pair(), in.Pair())
	return nil
}

// transferPairs returns both positions of a transfer.
func transferPairs(t Transfer) []PairKey {
	return []PairKey{
		{Location: t.Source, Item: t.Item},
		{Location: t.Destination, Item: t.Item},
	}
}
