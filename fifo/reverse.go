/*
reverse.go - Reversal and edit

PURPOSE:
  Reverse undoes an applied event exactly:
    receipt      - delete its lot, refused if any of it was consumed
    consumption  - return every record's quantity to its lot, then delete
                   the records (same transaction)
    transfer     - both halves, refused if the destination lot was consumed
  Edit is reverse then reapply in one transaction under the same event ID,
  so a failed reapply leaves the original event untouched.

LOCKING:
  The positions to lock depend on the event being reversed, which may
  change between reading it and locking. We read, lock, re-read inside the
  transaction and retry when the position set moved.
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

const maxLockAttempts = 3

var errPositionsMoved = errors.New("event positions changed while locking")

// Reverse undoes an applied event.
func (e *Engine) Reverse(ctx context.Context, id EventID) (err error) {
	ctx, span := startSpan(ctx, "fifo.Reverse", attribute.String("event_id", string(id)))
	defer func() { endSpan(span, err) }()

	e.maint.RLock()
	defer e.maint.RUnlock()

	var kind Kind
	err = e.withEventLocks(ctx, id, nil, func(u *unit, ev Event) error {
		kind = ev.Kind
		return e.reverse(ctx, u, ev)
	})
	if err != nil {
		e.report(ctx, "reverse", err)
		return err
	}

	e.observer.EventReversed(kind)
	e.log(ctx).Info().Str("event_id", string(id)).Str("kind", string(kind)).Msg("fifo.reverse")
	return nil
}

// Edit replaces an applied event with a corrected version under the same ID.
func (e *Engine) Edit(ctx context.Context, id EventID, params EditParams) (out AppliedEvent, err error) {
	ctx, span := startSpan(ctx, "fifo.Edit", attribute.String("event_id", string(id)))
	defer func() { endSpan(span, err) }()

	e.maint.RLock()
	defer e.maint.RUnlock()

	newPairs := func(ev Event, dest LocationID) []PairKey {
		return inputPairs(mergeEdit(ev, dest, params))
	}

	err = e.withEventLocks(ctx, id, newPairs, func(u *unit, cur Event) error {
		if cur.Status == StatusReversed {
			return fmt.Errorf("event %s: %w", cur.ID, ErrEventReversed)
		}
		if cur.Kind == KindTransferIn {
			return fmt.Errorf("edit the transfer_out half of transfer %s: %w", cur.TransferID, ErrInvalidEdit)
		}
		if params.Destination != nil && cur.Kind != KindTransferOut {
			return fmt.Errorf("destination only applies to transfers: %w", ErrInvalidEdit)
		}

		opts := applyOpts{
			id:        cur.ID,
			seq:       cur.Seq,
			revision:  cur.Revision + 1,
			createdAt: cur.CreatedAt,
			existing:  true,
		}
		var dest LocationID
		if cur.TransferID != "" {
			t, err := u.store.GetTransfer(ctx, cur.TransferID)
			if err != nil {
				return err
			}
			in, err := u.store.GetEvent(ctx, t.InEvent)
			if err != nil {
				return err
			}
			dest = t.Destination
			opts.transferID = t.ID
			opts.inEventID = in.ID
			opts.inSeq = in.Seq
		}

		next := mergeEdit(cur, dest, params)
		if err := validateShape(next); err != nil {
			return err
		}
		if err := e.reverse(ctx, u, cur); err != nil {
			return err
		}
		var applyErr error
		out, applyErr = e.apply(ctx, u, next, opts)
		return applyErr
	})
	if err != nil {
		e.report(ctx, "edit", err)
		return AppliedEvent{}, err
	}

	e.observer.EventEdited(out.Event.Kind)
	e.log(ctx).Info().
		Str("event_id", string(id)).
		Int("revision", out.Event.Revision).
		Str("pair", out.Event.Pair().String()).
		Msg("fifo.edit")
	return out, nil
}

// mergeEdit applies edit parameters to an event.
func mergeEdit(ev Event, dest LocationID, p EditParams) EventInput {
	in := EventInput{
		ID:          ev.ID,
		Kind:        ev.Kind,
		Location:    ev.Location,
		Item:        ev.Item,
		Quantity:    ev.Quantity,
		UnitPrice:   ev.UnitPrice,
		Date:        ev.Date,
		Destination: dest,
		DutyExempt:  ev.DutyExempt,
		DocumentID:  ev.DocumentID,
		Note:        ev.Note,
	}
	if p.Location != nil {
		in.Location = *p.Location
	}
	if p.Item != nil {
		in.Item = *p.Item
	}
	if p.Quantity != nil {
		in.Quantity = *p.Quantity
	}
	if p.UnitPrice != nil {
		in.UnitPrice = *p.UnitPrice
	}
	if p.Date != nil {
		in.Date = DateOf(*p.Date)
	}
	if p.Destination != nil {
		in.Destination = *p.Destination
	}
	if p.DutyExempt != nil {
		in.DutyExempt = *p.DutyExempt
	}
	if p.Note != nil {
		in.Note = *p.Note
	}
	return in
}

// withEventLocks locks every position the event touches (plus extra) and
// runs fn in a transaction with the freshly read event.
func (e *Engine) withEventLocks(ctx context.Context, id EventID, extra func(Event, LocationID) []PairKey, fn func(*unit, Event) error) error {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		ev, err := e.store.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		pairs, err := e.lockSet(ctx, e.store, ev, extra)
		if err != nil {
			return err
		}

		unlock, err := e.locker.Lock(ctx, pairKeys(pairs...)...)
		if err != nil {
			return fmt.Errorf("lock positions: %w", err)
		}
		err = e.inTx(ctx, func(u *unit) error {
			cur, err := u.store.GetEvent(ctx, id)
			if err != nil {
				return err
			}
			now, err := e.lockSet(ctx, u.store, cur, extra)
			if err != nil {
				return err
			}
			if !samePairs(pairs, now) {
				return errPositionsMoved
			}
			return fn(u, cur)
		})
		unlock()

		if errors.Is(err, errPositionsMoved) {
			e.log(ctx).Debug().Str("event_id", string(id)).Int("attempt", attempt+1).Msg("fifo.lock.retry")
			continue
		}
		return err
	}
	return fmt.Errorf("event %s: %w", id, ErrConcurrentModification)
}

func (e *Engine) lockSet(ctx context.Context, s Store, ev Event, extra func(Event, LocationID) []PairKey) ([]PairKey, error) {
	pairs := []PairKey{ev.Pair()}
	var dest LocationID
	if ev.TransferID != "" {
		t, err := s.GetTransfer(ctx, ev.TransferID)
		if err != nil {
			return nil, err
		}
		pairs = transferPairs(t)
		dest = t.Destination
	}
	if extra != nil {
		pairs = append(pairs, extra(ev, dest)...)
	}
	return pairs, nil
}

func samePairs(a, b []PairKey) bool {
	ka, kb := SortedKeys(pairKeys(a...)), SortedKeys(pairKeys(b...))
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

// reverse undoes ev inside the unit's transaction.
func (e *Engine) reverse(ctx context.Context, u *unit, ev Event) error {
	if ev.Status == StatusReversed {
		return fmt.Errorf("event %s: %w", ev.ID, ErrEventReversed)
	}
	if err := checkDocumentOpen(ctx, u.store, ev.DocumentID); err != nil {
		return err
	}
	if ev.TransferID != "" {
		return e.reverseTransfer(ctx, u, ev.TransferID)
	}

	switch {
	case ev.Kind.IsReceipt():
		if err := e.removeReceiptLot(ctx, u, ev); err != nil {
			return err
		}
	case ev.Kind.IsConsumption():
		if err := e.unallocate(ctx, u, ev); err != nil {
			return err
		}
	default:
		return fmt.Errorf("kind %q: %w", ev.Kind, ErrInvalidKind)
	}

	ev.Status = StatusReversed
	ev.UpdatedAt = e.now()
	if err := u.store.UpdateEvent(ctx, ev); err != nil {
		return err
	}
	u.touch(ev.Pair())
	return nil
}

// removeReceiptLot deletes the lot created by a receipt event.
func (e *Engine) removeReceiptLot(ctx context.Context, u *unit, ev Event) error {
	lot, err := u.store.LotForEvent(ctx, ev.ID)
	if err != nil {
		if errors.Is(err, ErrLotNotFound) {
			return consistencyf("reverse", ev.ID, "", "applied receipt has no lot")
		}
		return err
	}
	if !lot.Untouched() {
		return &ReceiptInUseError{EventID: ev.ID, LotID: lot.ID, Consumed: lot.Consumed()}
	}
	return u.lots.Delete(ctx, lot.ID)
}

// unallocate returns every record of ev to its lot and deletes the records.
// Records are restored in reverse sequence order.
func (e *Engine) unallocate(ctx context.Context, u *unit, ev Event) error {
	records, err := u.ledger.RecordsFor(ctx, ev.ID)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence > records[j].Sequence })
	for _, r := range records {
		if err := u.lots.restore(ctx, r.LotID, r.Quantity, ev.ID); err != nil {
			return err
		}
	}
	n, err := u.ledger.DeleteAllFor(ctx, ev.ID)
	if err != nil {
		return err
	}
	if n != len(records) {
		return consistencyf("reverse", ev.ID, "", "deleted %d records, expected %d", n, len(records))
	}
	return nil
}
