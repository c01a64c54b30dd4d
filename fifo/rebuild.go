/*
rebuild.go - Rebuild derived state from event history

PURPOSE:
  Lots and ledger records are derived data. Rebuild throws them away for a
  scope and replays the applied events through the same allocator used by
  live traffic. This is the recovery path after a migration, a manual data
  fix, or a verifier report.

ALGORITHM:
  1. delete ledger records in scope, then lots in scope
  2. replay receipts (date, seq order): one lot per receipt or transfer_in.
     A transfer_in whose source half is outside the scope is priced from
     the surviving source records; otherwise it starts at its stored cost
  3. replay consumptions (date, seq order) through the allocator; an
     in-scope transfer_out reprices its destination lot (and the records
     drawn from it) to the recomputed weighted cost
  4. unsatisfiable consumptions become shortfalls in the report; the
     rebuild carries on

  Lot IDs are kept per provenance event so references stay stable.

DRY RUN:
  Executes everything inside the transaction, builds the report, then
  rolls back.

EXCLUSION:
  Takes the maintenance lock exclusively (no in-process traffic) plus
  every position lock in scope (no traffic from other replicas).
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// RebuildOptions controls a rebuild.
type RebuildOptions struct {
	DryRun bool
}

// Shortfall reasons.
const (
	ReasonInsufficient   = "insufficient_inventory"
	ReasonInvalidQty     = "invalid_quantity"
	ReasonInvalidReceipt = "invalid_receipt"
)

// Shortfall is an event the replay could not satisfy.
type Shortfall struct {
	EventID   EventID
	Kind      Kind
	Pair      PairKey
	Date      time.Time
	Requested decimal.Decimal
	Available decimal.Decimal
	Reason    string
}

// LotChange compares a lot before and after a rebuild.
type LotChange struct {
	EventID EventID
	LotID   LotID
	Pair    PairKey
	Before  decimal.Decimal // remaining before; zero when Created
	After   decimal.Decimal // remaining after; zero when Removed
	Created bool
	Removed bool
}

// RebuildReport summarizes a rebuild.
type RebuildReport struct {
	Scope          Scope
	DryRun         bool
	RecordsDeleted int
	LotsDeleted    int
	LotsCreated    int
	EventsReplayed int
	Shortfalls     []Shortfall
	Changes        []LotChange
}

var errDryRunRollback = errors.New("dry run rollback")

// Rebuild regenerates lots and ledger records for a scope.
func (e *Engine) Rebuild(ctx context.Context, scope Scope, opts RebuildOptions) (report RebuildReport, err error) {
	ctx, span := startSpan(ctx, "fifo.Rebuild",
		attribute.String("scope", scope.String()),
		attribute.Bool("dry_run", opts.DryRun))
	defer func() { endSpan(span, err) }()

	e.maint.Lock()
	defer e.maint.Unlock()

	unlock, err := e.lockScope(ctx, scope)
	if err != nil {
		e.report(ctx, "rebuild", err)
		return RebuildReport{}, err
	}
	defer unlock()

	start := time.Now()
	e.log(ctx).Info().Str("scope", scope.String()).Bool("dry_run", opts.DryRun).Msg("fifo.rebuild.start")

	err = e.inTx(ctx, func(u *unit) error {
		var rebuildErr error
		report, rebuildErr = e.rebuild(ctx, u, scope)
		if rebuildErr != nil {
			return rebuildErr
		}
		if opts.DryRun {
			return errDryRunRollback
		}
		return nil
	})
	if errors.Is(err, errDryRunRollback) {
		err = nil
	}
	if err != nil {
		e.report(ctx, "rebuild", err)
		return RebuildReport{}, err
	}
	report.DryRun = opts.DryRun

	elapsed := time.Since(start)
	e.observer.RebuildCompleted(report, elapsed)
	e.log(ctx).Info().
		Str("scope", scope.String()).
		Bool("dry_run", opts.DryRun).
		Int("records_deleted", report.RecordsDeleted).
		Int("lots_deleted", report.LotsDeleted).
		Int("lots_created", report.LotsCreated).
		Int("events_replayed", report.EventsReplayed).
		Int("shortfalls", len(report.Shortfalls)).
		Int("changes", len(report.Changes)).
		Dur("elapsed", elapsed).
		Msg("fifo.rebuild.end")
	return report, nil
}

// lockScope locks every position that has events or lots in scope, plus a
// scope key so two rebuilds of one scope never overlap.
func (e *Engine) lockScope(ctx context.Context, scope Scope) (func(), error) {
	pairs, err := e.scopePairs(ctx, e.store, scope)
	if err != nil {
		return nil, err
	}
	keys := append(pairKeys(pairs...), "scope:"+scope.String())
	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock scope %s: %w", scope, err)
	}
	return unlock, nil
}

func (e *Engine) scopePairs(ctx context.Context, s Store, scope Scope) ([]PairKey, error) {
	seen := make(map[PairKey]struct{})
	events, err := s.ListEvents(ctx, EventFilter{Scope: scope})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		seen[ev.Pair()] = struct{}{}
	}
	lots, err := s.ListLots(ctx, LotFilter{Scope: scope})
	if err != nil {
		return nil, err
	}
	for _, l := range lots {
		seen[l.Pair()] = struct{}{}
	}
	pairs := make([]PairKey, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs, nil
}

func (e *Engine) rebuild(ctx context.Context, u *unit, scope Scope) (RebuildReport, error) {
	report := RebuildReport{Scope: scope}

	before, err := u.store.ListLots(ctx, LotFilter{Scope: scope})
	if err != nil {
		return report, err
	}
	lotIDs := make(map[EventID]LotID, len(before))
	for _, l := range before {
		lotIDs[l.EventID] = l.ID
		u.touch(l.Pair())
	}

	if report.RecordsDeleted, err = u.store.DeleteRecords(ctx, scope); err != nil {
		return report, err
	}
	if report.LotsDeleted, err = u.store.DeleteLots(ctx, scope); err != nil {
		return report, err
	}

	events, err := u.store.ListEvents(ctx, EventFilter{Scope: scope, Status: StatusApplied})
	if err != nil {
		return report, err
	}
	sort.SliceStable(events, func(i, j int) bool { return eventBefore(events[i], events[j]) })

	transfers := make(map[TransferID]Transfer)
	transferOf := func(id TransferID) (Transfer, error) {
		if t, ok := transfers[id]; ok {
			return t, nil
		}
		t, err := u.store.GetTransfer(ctx, id)
		if err != nil {
			return Transfer{}, err
		}
		transfers[id] = t
		return t, nil
	}

	createLot := func(ev Event, cost decimal.Decimal) (LotID, error) {
		lot, err := u.lots.Create(ctx, LotSpec{
			ID:       lotIDs[ev.ID],
			Location: ev.Location,
			Item:     ev.Item,
			Date:     ev.Date,
			Seq:      ev.Seq,
			UnitCost: cost,
			Quantity: ev.Quantity,
			EventID:  ev.ID,
		})
		if errors.Is(err, ErrInvalidQuantity) || errors.Is(err, ErrInvalidUnitCost) {
			e.shortfall(ctx, &report, ev, decimal.Zero, ReasonInvalidReceipt)
			return "", nil
		}
		if err != nil {
			return "", err
		}
		report.LotsCreated++
		report.EventsReplayed++
		return lot.ID, nil
	}

	// Receipts, transfer_in included, all land before any consumption so a
	// sale dated before its transfer still finds the transferred lot.
	// In-scope transfer lots start at their stored cost and are repriced
	// once the source allocation is replayed.
	inLots := make(map[TransferID]LotID)
	for _, ev := range events {
		u.touch(ev.Pair())
		switch ev.Kind {
		case KindReceipt:
			if _, err := createLot(ev, ev.UnitPrice); err != nil {
				return report, err
			}
		case KindTransferIn:
			t, err := transferOf(ev.TransferID)
			if err != nil {
				return report, err
			}
			cost := ev.UnitPrice
			if !scope.Matches(t.Source, t.Item) {
				if cost, err = outsideTransferCost(ctx, u.store, t, ev); err != nil {
					return report, err
				}
				if !cost.Equal(ev.UnitPrice) {
					ev.UnitPrice = cost
					ev.UpdatedAt = e.now()
					if err := u.store.UpdateEvent(ctx, ev); err != nil {
						return report, err
					}
				}
			}
			id, err := createLot(ev, cost)
			if err != nil {
				return report, err
			}
			if id != "" {
				inLots[t.ID] = id
			}
		}
	}

	// Consumptions.
	for _, ev := range events {
		if !ev.Kind.IsConsumption() {
			continue
		}
		records, err := u.alloc.Allocate(ctx, ev.Location, ev.Item, ev.Quantity, ev.ID)
		var short *InsufficientInventoryError
		switch {
		case errors.As(err, &short):
			e.shortfall(ctx, &report, ev, short.Available, ReasonInsufficient)
			continue
		case errors.Is(err, ErrInvalidQuantity):
			e.shortfall(ctx, &report, ev, decimal.Zero, ReasonInvalidQty)
			continue
		case err != nil:
			return report, err
		}
		report.EventsReplayed++

		if ev.Kind != KindTransferOut {
			continue
		}
		lotID, ok := inLots[ev.TransferID]
		if !ok {
			continue
		}
		t, err := transferOf(ev.TransferID)
		if err != nil {
			return report, err
		}
		in, err := u.store.GetEvent(ctx, t.InEvent)
		if err != nil {
			return report, err
		}
		cost := weightedCost(records)
		if cost.Equal(in.UnitPrice) {
			continue
		}
		in.UnitPrice = cost
		in.UpdatedAt = e.now()
		if err := u.store.UpdateEvent(ctx, in); err != nil {
			return report, err
		}
		if err := u.store.RepriceLot(ctx, lotID, cost); err != nil {
			return report, err
		}
		u.touch(in.Pair())
	}

	after, err := u.store.ListLots(ctx, LotFilter{Scope: scope})
	if err != nil {
		return report, err
	}
	report.Changes = diffLots(before, after)
	return report, nil
}

func (e *Engine) shortfall(ctx context.Context, report *RebuildReport, ev Event, available decimal.Decimal, reason string) {
	report.Shortfalls = append(report.Shortfalls, Shortfall{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		Pair:      ev.Pair(),
		Date:      ev.Date,
		Requested: ev.Quantity,
		Available: available,
		Reason:    reason,
	})
	e.log(ctx).Warn().
		Str("event_id", string(ev.ID)).
		Str("kind", string(ev.Kind)).
		Str("pair", ev.Pair().String()).
		Str("requested", ev.Quantity.String()).
		Str("available", available.String()).
		Str("reason", reason).
		Msg("fifo.rebuild.shortfall")
}

// outsideTransferCost prices a destination lot whose source half is not
// being rebuilt: the surviving source records win, the stored cost is the
// fallback.
func outsideTransferCost(ctx context.Context, s Store, t Transfer, in Event) (decimal.Decimal, error) {
	records, err := s.RecordsForEvent(ctx, t.OutEvent)
	if err != nil {
		return decimal.Zero, err
	}
	if len(records) > 0 {
		return weightedCost(records), nil
	}
	return in.UnitPrice, nil
}

func diffLots(before, after []Lot) []LotChange {
	prev := make(map[EventID]Lot, len(before))
	for _, l := range before {
		prev[l.EventID] = l
	}
	var changes []LotChange
	for _, l := range after {
		old, ok := prev[l.EventID]
		delete(prev, l.EventID)
		switch {
		case !ok:
			changes = append(changes, LotChange{EventID: l.EventID, LotID: l.ID, Pair: l.Pair(), After: l.Remaining, Created: true})
		case !old.Remaining.Equal(l.Remaining) || !old.UnitCost.Equal(l.UnitCost):
			changes = append(changes, LotChange{EventID: l.EventID, LotID: l.ID, Pair: l.Pair(), Before: old.Remaining, After: l.Remaining})
		}
	}
	for _, old := range prev {
		changes = append(changes, LotChange{EventID: old.EventID, LotID: old.ID, Pair: old.Pair(), Before: old.Remaining, Removed: true})
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Pair != changes[j].Pair {
			return changes[i].Pair.String() < changes[j].Pair.String()
		}
		return changes[i].EventID < changes[j].EventID
	})
	return changes
}
