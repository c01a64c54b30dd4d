/*
engine.go - Event processor: the public face of the FIFO lot engine

PURPOSE:
  Turns business events into lot and ledger changes. Every mutation:
    1. validates input against master data
    2. locks every (location, item) position it touches, in sorted order
    3. runs one store transaction (event + lots + ledger + transfer)
    4. invalidates cached availability inside that transaction

OPERATIONS:
  Apply     - receipt, sale, waste, transfer_out (creates transfer_in)
  Reverse   - see reverse.go
  Edit      - see reverse.go
  Rebuild   - see rebuild.go
  Verify    - see verify.go
  AvailableQuantity, LotsFor - read model

MAINTENANCE EXCLUSION:
  Live operations hold the maintenance lock shared; Rebuild and Fix hold it
  exclusively, so a rebuild never interleaves with in-process traffic.

ERRORS:
  Consistency faults abort the transaction, are logged at error level and
  counted by the Observer. Business refusals are returned untouched.

SEE ALSO:
  - allocator.go: FIFO walk
  - transfer.go: Transfer aggregate
  - hooks.go: Cache and Observer contracts
*/
package fifo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/warp/lot-engine/logging"
)

var tracer = otel.Tracer("github.com/warp/lot-engine/fifo")

// =============================================================================
// ENGINE
// =============================================================================

// Engine processes inventory events.
type Engine struct {
	store       TxStore
	locker      Locker
	cache       AvailabilityCache
	observer    Observer
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
	parallelism int

	maint sync.RWMutex
	fills singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process locker.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithCache enables the availability cache.
func WithCache(c AvailabilityCache) Option { return func(e *Engine) { e.cache = c } }

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock sets the clock used for audit timestamps. It never affects
// allocation order.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator sets the generator for event, lot, record and transfer IDs.
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// WithVerifyParallelism bounds how many positions Verify checks at once.
func WithVerifyParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// NewEngine creates an engine over a transactional store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		locker:      NewLocalLocker(),
		observer:    nopObserver{},
		logger:      zerolog.Nop(),
		now:         time.Now,
		newID:       uuid.NewString,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// unit bundles the components bound to one store transaction.
type unit struct {
	store   Store
	lots    *Lots
	ledger  *Ledger
	alloc   *Allocator
	touched map[PairKey]struct{}
}

func (u *unit) touch(pairs ...PairKey) {
	for _, p := range pairs {
		u.touched[p] = struct{}{}
	}
}

func (e *Engine) newUnit(s Store) *unit {
	lots := NewLots(s, e.newID, e.now)
	ledger := NewLedger(s, e.newID)
	return &unit{
		store:   s,
		lots:    lots,
		ledger:  ledger,
		alloc:   NewAllocator(lots, ledger),
		touched: make(map[PairKey]struct{}),
	}
}

// inTx runs fn in one transaction and invalidates touched cache entries
// before commit. An invalidation failure rolls the transaction back.
func (e *Engine) inTx(ctx context.Context, fn func(*unit) error) error {
	return e.store.WithTx(ctx, func(s Store) error {
		u := e.newUnit(s)
		if err := fn(u); err != nil {
			return err
		}
		return e.invalidate(ctx, u.touched)
	})
}

func (e *Engine) invalidate(ctx context.Context, touched map[PairKey]struct{}) error {
	if e.cache == nil || len(touched) == 0 {
		return nil
	}
	keys := make([]PairKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	if err := e.cache.Invalidate(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate availability cache: %w", err)
	}
	return nil
}

func (e *Engine) log(ctx context.Context) *zerolog.Logger {
	l := logging.WithContext(ctx, e.logger)
	return &l
}

// report classifies a failed operation for logs and metrics.
func (e *Engine) report(ctx context.Context, op string, err error) {
	var short *InsufficientInventoryError
	switch {
	case err == nil:
	case IsConsistencyFault(err):
		e.observer.ConsistencyFault(op)
		e.log(ctx).Error().Err(err).Str("op", op).Msg("fifo.consistency_fault")
	case errors.As(err, &short):
		e.observer.InsufficientInventory(PairKey{Location: short.Location, Item: short.Item})
		e.log(ctx).Info().Err(err).Str("op", op).Msg("fifo.refused")
	case errors.Is(err, ErrLockNotObtained), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.log(ctx).Warn().Err(err).Str("op", op).Msg("fifo.lock_failed")
	case IsClientError(err), IsNotFound(err):
		e.log(ctx).Info().Err(err).Str("op", op).Msg("fifo.refused")
	default:
		e.log(ctx).Warn().Err(err).Str("op", op).Msg("fifo.failed")
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// =============================================================================
// APPLY
// =============================================================================

// applyOpts carries identity that survives an edit.
type applyOpts struct {
	id        EventID
	seq       int64
	revision  int
	createdAt time.Time
	existing  bool // event rows already exist (edit)

	transferID TransferID
	inEventID  EventID
	inSeq      int64
}

// Apply validates and applies a new event.
func (e *Engine) Apply(ctx context.Context, in EventInput) (out AppliedEvent, err error) {
	ctx, span := startSpan(ctx, "fifo.Apply",
		attribute.String("kind", string(in.Kind)),
		attribute.String("location", string(in.Location)),
		attribute.String("item", string(in.Item)))
	defer func() { endSpan(span, err) }()

	in = e.normalize(in)
	if err = validateShape(in); err != nil {
		e.report(ctx, "apply", err)
		return AppliedEvent{}, err
	}

	e.maint.RLock()
	defer e.maint.RUnlock()

	unlock, err := e.locker.Lock(ctx, pairKeys(inputPairs(in)...)...)
	if err != nil {
		err = fmt.Errorf("lock positions: %w", err)
		e.report(ctx, "apply", err)
		return AppliedEvent{}, err
	}
	defer unlock()

	err = e.inTx(ctx, func(u *unit) error {
		var applyErr error
		out, applyErr = e.apply(ctx, u, in, applyOpts{id: in.ID, revision: 1})
		return applyErr
	})
	if err != nil {
		e.report(ctx, "apply", err)
		return AppliedEvent{}, err
	}

	e.observer.EventApplied(in.Kind)
	if len(out.Records) > 0 {
		e.observer.Allocated(len(out.Records), out.Event.Quantity)
	}
	e.log(ctx).Info().
		Str("event_id", string(out.Event.ID)).
		Str("kind", string(in.Kind)).
		Str("pair", out.Event.Pair().String()).
		Str("quantity", in.Quantity.String()).
		Int("records", len(out.Records)).
		Msg("fifo.apply")
	return out, nil
}

func (e *Engine) normalize(in EventInput) EventInput {
	if in.Date.IsZero() {
		in.Date = e.now()
	}
	in.Date = DateOf(in.Date)
	if in.ID == "" {
		in.ID = EventID(e.newID())
	}
	return in
}

// validateShape checks what can be checked without the store.
func validateShape(in EventInput) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("kind %q: %w", in.Kind, ErrInvalidKind)
	}
	if in.Kind == KindTransferIn {
		return fmt.Errorf("transfer_in is created by its transfer_out: %w", ErrInvalidKind)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("quantity %s: %w", in.Quantity, ErrInvalidQuantity)
	}
	if in.Kind == KindReceipt && !in.UnitPrice.IsPositive() {
		return fmt.Errorf("receipt cost %s: %w", in.UnitPrice, ErrInvalidUnitCost)
	}
	if in.Kind == KindTransferOut {
		if in.Destination == "" {
			return fmt.Errorf("transfer destination required: %w", ErrUnknownLocation)
		}
		if in.Destination == in.Location {
			return ErrSameLocation
		}
	}
	if in.Kind != KindTransferOut && in.Destination != "" {
		return fmt.Errorf("destination only applies to transfers: %w", ErrInvalidKind)
	}
	return nil
}

func inputPairs(in EventInput) []PairKey {
	pairs := []PairKey{{Location: in.Location, Item: in.Item}}
	if in.Kind == KindTransferOut {
		pairs = append(pairs, PairKey{Location: in.Destination, Item: in.Item})
	}
	return pairs
}

// validateRefs checks master data and document state.
func validateRefs(ctx context.Context, s Store, in EventInput) error {
	loc, err := s.GetLocation(ctx, in.Location)
	if err != nil {
		return err
	}
	item, err := s.GetItem(ctx, in.Item)
	if err != nil {
		return err
	}
	if !loc.Active {
		return fmt.Errorf("location %s: %w", loc.ID, ErrInactive)
	}
	if !item.Active {
		return fmt.Errorf("item %s: %w", item.ID, ErrInactive)
	}
	if in.Kind == KindTransferOut {
		dest, err := s.GetLocation(ctx, in.Destination)
		if err != nil {
			return err
		}
		if !dest.Active {
			return fmt.Errorf("location %s: %w", dest.ID, ErrInactive)
		}
	}
	if in.DutyExempt {
		if in.Kind != KindSale || !item.DutyExempt || !loc.DutyExempt {
			return fmt.Errorf("item %s at %s: %w", item.ID, loc.ID, ErrDutyExemptIneligible)
		}
	}
	return checkDocumentOpen(ctx, s, in.DocumentID)
}

func checkDocumentOpen(ctx context.Context, s Store, id DocumentID) error {
	if id == "" {
		return nil
	}
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.State == DocumentCompleted {
		return fmt.Errorf("document %s: %w", id, ErrDocumentCompleted)
	}
	return nil
}

// apply writes one event and its derived state. Used by Apply and Edit.
func (e *Engine) apply(ctx context.Context, u *unit, in EventInput, opts applyOpts) (AppliedEvent, error) {
	if err := validateRefs(ctx, u.store, in); err != nil {
		return AppliedEvent{}, err
	}

	seq := opts.seq
	if seq == 0 {
		var err error
		if seq, err = u.store.NextSeq(ctx); err != nil {
			return AppliedEvent{}, err
		}
	}
	now := e.now()
	created := opts.createdAt
	if created.IsZero() {
		created = now
	}

	ev := Event{
		ID:         opts.id,
		Seq:        seq,
		Kind:       in.Kind,
		Location:   in.Location,
		Item:       in.Item,
		Quantity:   in.Quantity,
		UnitPrice:  in.UnitPrice,
		Date:       in.Date,
		DutyExempt: in.DutyExempt,
		DocumentID: in.DocumentID,
		Note:       in.Note,
		Status:     StatusApplied,
		Revision:   opts.revision,
		CreatedAt:  created,
		UpdatedAt:  now,
	}

	if in.Kind == KindTransferOut {
		return e.applyTransfer(ctx, u, ev, in.Destination, opts)
	}

	if err := saveEvent(ctx, u.store, ev, opts.existing); err != nil {
		return AppliedEvent{}, err
	}
	u.touch(ev.Pair())

	if in.Kind == KindReceipt {
		lot, err := u.lots.Create(ctx, LotSpec{
			Location: ev.Location,
			Item:     ev.Item,
			Date:     ev.Date,
			Seq:      ev.Seq,
			UnitCost: ev.UnitPrice,
			Quantity: ev.Quantity,
			EventID:  ev.ID,
		})
		if err != nil {
			return AppliedEvent{}, err
		}
		return AppliedEvent{Event: ev, Lot: &lot}, nil
	}

	records, err := u.alloc.Allocate(ctx, ev.Location, ev.Item, ev.Quantity, ev.ID)
	if err != nil {
		return AppliedEvent{}, err
	}
	return AppliedEvent{Event: ev, Records: records}, nil
}

func saveEvent(ctx context.Context, s Store, ev Event, existing bool) error {
	if existing {
		return s.UpdateEvent(ctx, ev)
	}
	return s.InsertEvent(ctx, ev)
}

// =============================================================================
// READ MODEL
// =============================================================================

// AvailableQuantity returns the stock left at a position. Cache misses are
// filled under the position lock, and concurrent misses share one fill.
func (e *Engine) AvailableQuantity(ctx context.Context, loc LocationID, item ItemID) (decimal.Decimal, error) {
	key := PairKey{Location: loc, Item: item}
	if e.cache == nil {
		return NewLots(e.store, e.newID, e.now).TotalAvailable(ctx, loc, item)
	}

	if qty, ok, err := e.cache.Get(ctx, key); err != nil {
		e.log(ctx).Warn().Err(err).Str("pair", key.String()).Msg("fifo.cache.get_failed")
	} else if ok {
		return qty, nil
	}

	v, err, _ := e.fills.Do(key.String(), func() (any, error) {
		unlock, err := e.locker.Lock(ctx, pairKeys(key)...)
		if err != nil {
			return nil, fmt.Errorf("lock position: %w", err)
		}
		defer unlock()

		total, err := NewLots(e.store, e.newID, e.now).TotalAvailable(ctx, loc, item)
		if err != nil {
			return nil, err
		}
		if err := e.cache.Set(ctx, key, total); err != nil {
			e.log(ctx).Warn().Err(err).Str("pair", key.String()).Msg("fifo.cache.set_failed")
		}
		return total, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// LotsFor lists the lots with stock left at a position, oldest first.
func (e *Engine) LotsFor(ctx context.Context, loc LocationID, item ItemID) ([]LotView, error) {
	lots, err := e.store.ListLots(ctx, LotFilter{
		Scope:         Scope{Location: loc, Item: item},
		AvailableOnly: true,
	})
	if err != nil {
		return nil, err
	}
	views := make([]LotView, len(lots))
	for i, l := range lots {
		views[i] = toView(l)
	}
	return views, nil
}

// Event returns a persisted event.
func (e *Engine) Event(ctx context.Context, id EventID) (Event, error) {
	return e.store.GetEvent(ctx, id)
}

// Records returns the ledger records of an event ordered by sequence.
func (e *Engine) Records(ctx context.Context, id EventID) ([]LedgerRecord, error) {
	return e.store.RecordsForEvent(ctx, id)
}

// Events lists events matching a filter in replay order.
func (e *Engine) Events(ctx context.Context, f EventFilter) ([]Event, error) {
	return e.store.ListEvents(ctx, f)
}
