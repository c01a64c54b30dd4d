/*
verify.go - Integrity verifier

PURPOSE:
  Read-only audit of derived state against the event history. Finds drift
  before it turns into wrong cost of goods, and tells the operator whether
  a Fix (simple drift) or a Rebuild (structural damage) is needed.

CHECKS:
  Lots:
    remaining_mismatch       remaining != original - consumed (beyond Tolerance)
    over_consumption         consumed > original
    remaining_out_of_range   remaining < 0 or remaining > original
  Events:
    unallocated_consumption  applied consumption without records
    quantity_mismatch        records do not sum to the event quantity
    sequence_gap             record sequence is not 1..N
    fifo_order_violation     a record drew from a newer lot before an older one
    cost_mismatch            record or lot cost differs from its source
    dangling_record          record references a missing or foreign lot,
                             or belongs to a reversed event
    missing_lot              applied receipt without a lot
    lot_quantity_mismatch    receipt lot original != receipt quantity
    orphan_lot               reversed receipt still has a lot
    unpaired_transfer        transfer halves disagree
  Business rules:
    non_positive_quantity, non_positive_price, sale_price_below_cost

FIX MODE:
  Only lots whose sole problem is remaining_mismatch, with the expected
  value inside [0, original], are corrected. A lot is left alone when its
  position has an event with a sequence gap, quantity mismatch, FIFO
  violation, missing allocation or dangling record. Sequence gaps and FIFO
  violations are never patched; they need a rebuild.

CONCURRENCY:
  Positions are checked in parallel (errgroup, bounded). Results are sorted
  so that two runs over the same data produce the same report.
*/
package fifo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Issue codes.
const (
	IssueRemainingMismatch = "remaining_mismatch"
	IssueOverConsumption   = "over_consumption"
	IssueRemainingRange    = "remaining_out_of_range"
	IssueUnallocated       = "unallocated_consumption"
	IssueQuantityMismatch  = "quantity_mismatch"
	IssueSequenceGap       = "sequence_gap"
	IssueFIFOOrder         = "fifo_order_violation"
	IssueCostMismatch      = "cost_mismatch"
	IssueDanglingRecord    = "dangling_record"
	IssueMissingLot        = "missing_lot"
	IssueLotQuantity       = "lot_quantity_mismatch"
	IssueOrphanLot         = "orphan_lot"
	IssueUnpairedTransfer  = "unpaired_transfer"
	IssueNonPositiveQty    = "non_positive_quantity"
	IssueNonPositivePrice  = "non_positive_price"
	IssueSaleBelowCost     = "sale_price_below_cost"
)

// Issue is one verifier finding.
type Issue struct {
	Code     string
	Pair     PairKey
	EventID  EventID
	LotID    LotID
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Detail   string
}

// VerifyReport lists every finding in a scope.
type VerifyReport struct {
	Scope         Scope
	PairsChecked  int
	LotsChecked   int
	EventsChecked int
	LotIssues     []Issue
	EventIssues   []Issue
	RuleIssues    []Issue
}

// Clean reports whether derived state matches history. Rule issues are
// business warnings and do not make a report dirty.
func (r VerifyReport) Clean() bool {
	return len(r.LotIssues) == 0 && len(r.EventIssues) == 0
}

// IssueCount returns the number of findings of every category.
func (r VerifyReport) IssueCount() int {
	return len(r.LotIssues) + len(r.EventIssues) + len(r.RuleIssues)
}

// CountByCode tallies findings per issue code.
func (r VerifyReport) CountByCode() map[string]int {
	counts := make(map[string]int)
	for _, list := range [][]Issue{r.LotIssues, r.EventIssues, r.RuleIssues} {
		for _, is := range list {
			counts[is.Code]++
		}
	}
	return counts
}

func (r *VerifyReport) merge(o VerifyReport) {
	r.PairsChecked += o.PairsChecked
	r.LotsChecked += o.LotsChecked
	r.EventsChecked += o.EventsChecked
	r.LotIssues = append(r.LotIssues, o.LotIssues...)
	r.EventIssues = append(r.EventIssues, o.EventIssues...)
	r.RuleIssues = append(r.RuleIssues, o.RuleIssues...)
}

// FixReport summarizes a fix run.
type FixReport struct {
	Before  VerifyReport
	Fixed   []Issue
	Skipped []Issue
	After   VerifyReport
}

// =============================================================================
// VERIFY
// =============================================================================

// Verify audits a scope without changing anything.
func (e *Engine) Verify(ctx context.Context, scope Scope) (report VerifyReport, err error) {
	ctx, span := startSpan(ctx, "fifo.Verify", attribute.String("scope", scope.String()))
	defer func() { endSpan(span, err) }()

	e.maint.RLock()
	defer e.maint.RUnlock()

	start := time.Now()
	report, err = e.verify(ctx, scope)
	if err != nil {
		e.report(ctx, "verify", err)
		return VerifyReport{}, err
	}

	elapsed := time.Since(start)
	e.observer.VerifyCompleted(report, elapsed)
	e.log(ctx).Info().
		Str("scope", scope.String()).
		Int("pairs", report.PairsChecked).
		Int("lot_issues", len(report.LotIssues)).
		Int("event_issues", len(report.EventIssues)).
		Int("rule_issues", len(report.RuleIssues)).
		Dur("elapsed", elapsed).
		Msg("fifo.verify.end")
	return report, nil
}

func (e *Engine) verify(ctx context.Context, scope Scope) (VerifyReport, error) {
	pairs, err := e.scopePairs(ctx, e.store, scope)
	if err != nil {
		return VerifyReport{}, err
	}
	items, err := e.store.ListItems(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	itemByID := make(map[ItemID]Item, len(items))
	for _, it := range items {
		itemByID[it.ID] = it
	}

	report := VerifyReport{Scope: scope}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, pair := range pairs {
		g.Go(func() error {
			part, err := verifyPair(gctx, e.store, pair, itemByID[pair.Item])
			if err != nil {
				return err
			}
			mu.Lock()
			report.merge(part)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return VerifyReport{}, err
	}

	sortIssues(report.LotIssues)
	sortIssues(report.EventIssues)
	sortIssues(report.RuleIssues)
	return report, nil
}

func sortIssues(list []Issue) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Pair != b.Pair {
			return a.Pair.String() < b.Pair.String()
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		return a.LotID < b.LotID
	})
}

func verifyPair(ctx context.Context, s Store, pair PairKey, item Item) (VerifyReport, error) {
	report := VerifyReport{PairsChecked: 1}
	scope := Scope{Location: pair.Location, Item: pair.Item}

	lots, err := s.ListLots(ctx, LotFilter{Scope: scope})
	if err != nil {
		return report, err
	}
	for _, lot := range lots {
		report.LotsChecked++
		records, err := s.RecordsForLot(ctx, lot.ID)
		if err != nil {
			return report, err
		}
		consumed := recordsQuantity(records)
		if lot.Remaining.LessThan(tolerance.Neg()) || lot.Remaining.GreaterThan(lot.Original.Add(tolerance)) {
			report.LotIssues = append(report.LotIssues, Issue{
				Code: IssueRemainingRange, Pair: pair, LotID: lot.ID, EventID: lot.EventID,
				Expected: lot.Original, Actual: lot.Remaining,
			})
		}
		if consumed.GreaterThan(lot.Original.Add(tolerance)) {
			report.LotIssues = append(report.LotIssues, Issue{
				Code: IssueOverConsumption, Pair: pair, LotID: lot.ID, EventID: lot.EventID,
				Expected: lot.Original, Actual: consumed,
			})
		}
		if expected := lot.Original.Sub(consumed); !withinTolerance(expected, lot.Remaining) {
			report.LotIssues = append(report.LotIssues, Issue{
				Code: IssueRemainingMismatch, Pair: pair, LotID: lot.ID, EventID: lot.EventID,
				Expected: expected, Actual: lot.Remaining,
			})
		}
	}

	events, err := s.ListEvents(ctx, EventFilter{Scope: scope})
	if err != nil {
		return report, err
	}
	for _, ev := range events {
		report.EventsChecked++
		issues, err := verifyEvent(ctx, s, ev)
		if err != nil {
			return report, err
		}
		report.EventIssues = append(report.EventIssues, issues...)
		if ev.Status == StatusApplied {
			rules, err := checkRules(ctx, s, ev, item)
			if err != nil {
				return report, err
			}
			report.RuleIssues = append(report.RuleIssues, rules...)
		}
	}
	return report, nil
}

func verifyEvent(ctx context.Context, s Store, ev Event) ([]Issue, error) {
	var issues []Issue
	add := func(code string, lotID LotID, expected, actual decimal.Decimal, detail string) {
		issues = append(issues, Issue{
			Code: code, Pair: ev.Pair(), EventID: ev.ID, LotID: lotID,
			Expected: expected, Actual: actual, Detail: detail,
		})
	}

	if ev.TransferID != "" {
		t, err := s.GetTransfer(ctx, ev.TransferID)
		switch {
		case errors.Is(err, ErrTransferNotFound):
			add(IssueUnpairedTransfer, "", decimal.Zero, decimal.Zero, "transfer missing")
		case err != nil:
			return nil, err
		case t.Status != ev.Status || (t.OutEvent != ev.ID && t.InEvent != ev.ID):
			add(IssueUnpairedTransfer, "", decimal.Zero, decimal.Zero, "transfer status or halves disagree")
		}
	}

	if ev.Status == StatusReversed {
		if ev.Kind.IsConsumption() {
			records, err := s.RecordsForEvent(ctx, ev.ID)
			if err != nil {
				return nil, err
			}
			for _, r := range records {
				add(IssueDanglingRecord, r.LotID, decimal.Zero, r.Quantity, "record on reversed event")
			}
		}
		if ev.Kind.IsReceipt() {
			lot, err := s.LotForEvent(ctx, ev.ID)
			if err == nil {
				add(IssueOrphanLot, lot.ID, decimal.Zero, lot.Original, "lot on reversed receipt")
			} else if !errors.Is(err, ErrLotNotFound) {
				return nil, err
			}
		}
		return issues, nil
	}

	if ev.Kind.IsReceipt() {
		lot, err := s.LotForEvent(ctx, ev.ID)
		if errors.Is(err, ErrLotNotFound) {
			add(IssueMissingLot, "", ev.Quantity, decimal.Zero, "")
			return issues, nil
		}
		if err != nil {
			return nil, err
		}
		if !lot.Original.Equal(ev.Quantity) {
			add(IssueLotQuantity, lot.ID, ev.Quantity, lot.Original, "")
		}
		if !lot.UnitCost.Equal(ev.UnitPrice) {
			add(IssueCostMismatch, lot.ID, ev.UnitPrice, lot.UnitCost, "lot cost differs from receipt")
		}
		return issues, nil
	}

	records, err := s.RecordsForEvent(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		add(IssueUnallocated, "", ev.Quantity, decimal.Zero, "")
		return issues, nil
	}
	if sum := recordsQuantity(records); !withinTolerance(sum, ev.Quantity) {
		add(IssueQuantityMismatch, "", ev.Quantity, sum, "")
	}
	for i, r := range records {
		if r.Sequence != i+1 {
			add(IssueSequenceGap, r.LotID, decimal.NewFromInt(int64(i+1)), decimal.NewFromInt(int64(r.Sequence)), "")
			break
		}
	}

	var prev *Lot
	for _, r := range records {
		lot, err := s.GetLot(ctx, r.LotID)
		if errors.Is(err, ErrLotNotFound) {
			add(IssueDanglingRecord, r.LotID, decimal.Zero, r.Quantity, "lot missing")
			continue
		}
		if err != nil {
			return nil, err
		}
		if lot.Pair() != ev.Pair() {
			add(IssueDanglingRecord, r.LotID, decimal.Zero, r.Quantity, "lot belongs to "+lot.Pair().String())
			continue
		}
		if !r.UnitCost.Equal(lot.UnitCost) {
			add(IssueCostMismatch, r.LotID, lot.UnitCost, r.UnitCost, "record cost differs from lot")
		}
		if prev != nil && lotBefore(lot, *prev) {
			add(IssueFIFOOrder, r.LotID, decimal.Zero, decimal.Zero,
				"drew from "+string(prev.ID)+" before older lot "+string(lot.ID))
		}
		l := lot
		prev = &l
	}
	return issues, nil
}

func checkRules(ctx context.Context, s Store, ev Event, item Item) ([]Issue, error) {
	var issues []Issue
	add := func(code string, expected, actual decimal.Decimal) {
		issues = append(issues, Issue{Code: code, Pair: ev.Pair(), EventID: ev.ID, Expected: expected, Actual: actual})
	}
	if !ev.Quantity.IsPositive() {
		add(IssueNonPositiveQty, decimal.Zero, ev.Quantity)
	}
	if ev.Kind == KindReceipt && !ev.UnitPrice.IsPositive() {
		add(IssueNonPositivePrice, decimal.Zero, ev.UnitPrice)
	}
	if ev.Kind == KindSale && ev.UnitPrice.IsPositive() {
		records, err := s.RecordsForEvent(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		cost := weightedCost(records)
		if len(records) == 0 {
			cost = item.CostBasis
		}
		if cost.IsPositive() && ev.UnitPrice.LessThan(cost) {
			add(IssueSaleBelowCost, cost, ev.UnitPrice)
		}
	}
	return issues, nil
}

// =============================================================================
// FIX
// =============================================================================

// blocksFix lists event issues that need a rebuild rather than a patch.
func blocksFix(code string) bool {
	switch code {
	case IssueSequenceGap, IssueQuantityMismatch, IssueFIFOOrder, IssueUnallocated, IssueDanglingRecord:
		return true
	}
	return false
}

// Fix verifies a scope and corrects simple remaining drift.
func (e *Engine) Fix(ctx context.Context, scope Scope) (report FixReport, err error) {
	ctx, span := startSpan(ctx, "fifo.Fix", attribute.String("scope", scope.String()))
	defer func() { endSpan(span, err) }()

	e.maint.Lock()
	defer e.maint.Unlock()

	unlock, err := e.lockScope(ctx, scope)
	if err != nil {
		e.report(ctx, "fix", err)
		return FixReport{}, err
	}
	defer unlock()

	if report.Before, err = e.verify(ctx, scope); err != nil {
		e.report(ctx, "fix", err)
		return FixReport{}, err
	}

	byLot := make(map[LotID][]Issue)
	for _, is := range report.Before.LotIssues {
		byLot[is.LotID] = append(byLot[is.LotID], is)
	}

	// A broken allocation makes "expected remaining" meaningless for every
	// lot in its position, including lots whose records were lost.
	blockedPairs := make(map[PairKey]struct{})
	blockedLots := make(map[LotID]struct{})
	for _, is := range report.Before.EventIssues {
		if !blocksFix(is.Code) {
			continue
		}
		blockedPairs[is.Pair] = struct{}{}
		if is.LotID != "" {
			blockedLots[is.LotID] = struct{}{}
		}
	}

	var fixable []Issue
	for _, is := range report.Before.LotIssues {
		if is.Code != IssueRemainingMismatch {
			continue
		}
		_, pairBlocked := blockedPairs[is.Pair]
		_, lotBlocked := blockedLots[is.LotID]
		if len(byLot[is.LotID]) != 1 || pairBlocked || lotBlocked {
			report.Skipped = append(report.Skipped, is)
			continue
		}
		fixable = append(fixable, is)
	}

	err = e.inTx(ctx, func(u *unit) error {
		for _, is := range fixable {
			lot, err := u.store.GetLot(ctx, is.LotID)
			if err != nil {
				return err
			}
			if is.Expected.IsNegative() || is.Expected.GreaterThan(lot.Original) {
				report.Skipped = append(report.Skipped, is)
				continue
			}
			if err := u.store.UpdateLotRemaining(ctx, lot.ID, is.Expected); err != nil {
				return err
			}
			u.touch(lot.Pair())
			report.Fixed = append(report.Fixed, is)
			e.log(ctx).Warn().
				Str("lot_id", string(lot.ID)).
				Str("pair", lot.Pair().String()).
				Str("from", lot.Remaining.String()).
				Str("to", is.Expected.String()).
				Msg("fifo.fix.remaining")
		}
		return nil
	})
	if err != nil {
		e.report(ctx, "fix", err)
		return FixReport{}, err
	}

	if report.After, err = e.verify(ctx, scope); err != nil {
		return FixReport{}, err
	}
	e.log(ctx).Info().
		Str("scope", scope.String()).
		Int("fixed", len(report.Fixed)).
		Int("skipped", len(report.Skipped)).
		Bool("clean", report.After.Clean()).
		Msg("fifo.fix.end")
	return report, nil
}
