// Package store provides in-process fifo.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every entity in maps guarded by one RWMutex. WithTx holds
// the write lock for the whole transaction and restores a snapshot when
// the callback fails.
type Memory struct {
	mu sync.RWMutex
	st *state
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ fifo.TxStore = (*Memory)(nil)

type state struct {
	seq       int64
	items     map[fifo.ItemID]fifo.Item
	locations map[fifo.LocationID]fifo.Location
	documents map[fifo.DocumentID]fifo.Document
	events    map[fifo.EventID]fifo.Event
	transfers map[fifo.TransferID]fifo.Transfer
	lots      map[fifo.LotID]fifo.Lot
	records   map[fifo.RecordID]fifo.LedgerRecord
}

func newState() *state {
	return &state{
		items:     make(map[fifo.ItemID]fifo.Item),
		locations: make(map[fifo.LocationID]fifo.Location),
		documents: make(map[fifo.DocumentID]fifo.Document),
		events:    make(map[fifo.EventID]fifo.Event),
		transfers: make(map[fifo.TransferID]fifo.Transfer),
		lots:      make(map[fifo.LotID]fifo.Lot),
		records:   make(map[fifo.RecordID]fifo.LedgerRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:       s.seq,
		items:     make(map[fifo.ItemID]fifo.Item, len(s.items)),
		locations: make(map[fifo.LocationID]fifo.Location, len(s.locations)),
		documents: make(map[fifo.DocumentID]fifo.Document, len(s.documents)),
		events:    make(map[fifo.EventID]fifo.Event, len(s.events)),
		transfers: make(map[fifo.TransferID]fifo.Transfer, len(s.transfers)),
		lots:      make(map[fifo.LotID]fifo.Lot, len(s.lots)),
		records:   make(map[fifo.RecordID]fifo.LedgerRecord, len(s.records)),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	for k, v := range s.documents {
		c.documents[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot plus restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Corrupt runs fn against the raw state outside the engine. Tests use it to
// simulate drift that the verifier must find.
func (m *Memory) Corrupt(fn func(fifo.Store)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&view{st: m.st})
}

// read runs fn under the read lock against a view of the current state.
func (m *Memory) read(fn func(v *view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{st: m.st})
}

// write runs fn under the write lock against a view of the current state.
func (m *Memory) write(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) SaveItem(ctx context.Context, item fifo.Item) error {
	return m.write(func(v *view) error { return v.SaveItem(ctx, item) })
}

func (m *Memory) GetItem(ctx context.Context, id fifo.ItemID) (item fifo.Item, err error) {
	err = m.read(func(v *view) error { item, err = v.GetItem(ctx, id); return err })
	return item, err
}

func (m *Memory) ListItems(ctx context.Context) (items []fifo.Item, err error) {
	err = m.read(func(v *view) error { items, err = v.ListItems(ctx); return err })
	return items, err
}

func (m *Memory) SaveLocation(ctx context.Context, loc fifo.Location) error {
	return m.write(func(v *view) error { return v.SaveLocation(ctx, loc) })
}

func (m *Memory) GetLocation(ctx context.Context, id fifo.LocationID) (loc fifo.Location, err error) {
	err = m.read(func(v *view) error { loc, err = v.GetLocation(ctx, id); return err })
	return loc, err
}

func (m *Memory) ListLocations(ctx context.Context) (locs []fifo.Location, err error) {
	err = m.read(func(v *view) error { locs, err = v.ListLocations(ctx); return err })
	return locs, err
}

func (m *Memory) SaveDocument(ctx context.Context, doc fifo.Document) error {
	return m.write(func(v *view) error { return v.SaveDocument(ctx, doc) })
}

func (m *Memory) GetDocument(ctx context.Context, id fifo.DocumentID) (doc fifo.Document, err error) {
	err = m.read(func(v *view) error { doc, err = v.GetDocument(ctx, id); return err })
	return doc, err
}

func (m *Memory) NextSeq(ctx context.Context) (seq int64, err error) {
	err = m.write(func(v *view) error { seq, err = v.NextSeq(ctx); return err })
	return seq, err
}

func (m *Memory) InsertEvent(ctx context.Context, e fifo.Event) error {
	return m.write(func(v *view) error { return v.InsertEvent(ctx, e) })
}

func (m *Memory) UpdateEvent(ctx context.Context, e fifo.Event) error {
	return m.write(func(v *view) error { return v.UpdateEvent(ctx, e) })
}

func (m *Memory) GetEvent(ctx context.Context, id fifo.EventID) (e fifo.Event, err error) {
	err = m.read(func(v *view) error { e, err = v.GetEvent(ctx, id); return err })
	return e, err
}

func (m *Memory) ListEvents(ctx context.Context, f fifo.EventFilter) (events []fifo.Event, err error) {
	err = m.read(func(v *view) error { events, err = v.ListEvents(ctx, f); return err })
	return events, err
}

func (m *Memory) InsertTransfer(ctx context.Context, t fifo.Transfer) error {
	return m.write(func(v *view) error { return v.InsertTransfer(ctx, t) })
}

func (m *Memory) UpdateTransfer(ctx context.Context, t fifo.Transfer) error {
	return m.write(func(v *view) error { return v.UpdateTransfer(ctx, t) })
}

func (m *Memory) GetTransfer(ctx context.Context, id fifo.TransferID) (t fifo.Transfer, err error) {
	err = m.read(func(v *view) error { t, err = v.GetTransfer(ctx, id); return err })
	return t, err
}

func (m *Memory) InsertLot(ctx context.Context, l fifo.Lot) error {
	return m.write(func(v *view) error { return v.InsertLot(ctx, l) })
}

func (m *Memory) GetLot(ctx context.Context, id fifo.LotID) (l fifo.Lot, err error) {
	err = m.read(func(v *view) error { l, err = v.GetLot(ctx, id); return err })
	return l, err
}

func (m *Memory) LotForEvent(ctx context.Context, id fifo.EventID) (l fifo.Lot, err error) {
	err = m.read(func(v *view) error { l, err = v.LotForEvent(ctx, id); return err })
	return l, err
}

func (m *Memory) ListLots(ctx context.Context, f fifo.LotFilter) (lots []fifo.Lot, err error) {
	err = m.read(func(v *view) error { lots, err = v.ListLots(ctx, f); return err })
	return lots, err
}

func (m *Memory) UpdateLotRemaining(ctx context.Context, id fifo.LotID, remaining decimal.Decimal) error {
	return m.write(func(v *view) error { return v.UpdateLotRemaining(ctx, id, remaining) })
}

func (m *Memory) RepriceLot(ctx context.Context, id fifo.LotID, cost decimal.Decimal) error {
	return m.write(func(v *view) error { return v.RepriceLot(ctx, id, cost) })
}

func (m *Memory) DeleteLot(ctx context.Context, id fifo.LotID) error {
	return m.write(func(v *view) error { return v.DeleteLot(ctx, id) })
}

func (m *Memory) DeleteLots(ctx context.Context, s fifo.Scope) (n int, err error) {
	err = m.write(func(v *view) error { n, err = v.DeleteLots(ctx, s); return err })
	return n, err
}

func (m *Memory) InsertRecord(ctx context.Context, r fifo.LedgerRecord) error {
	return m.write(func(v *view) error { return v.InsertRecord(ctx, r) })
}

func (m *Memory) RecordsForEvent(ctx context.Context, id fifo.EventID) (records []fifo.LedgerRecord, err error) {
	err = m.read(func(v *view) error { records, err = v.RecordsForEvent(ctx, id); return err })
	return records, err
}

func (m *Memory) RecordsForLot(ctx context.Context, id fifo.LotID) (records []fifo.LedgerRecord, err error) {
	err = m.read(func(v *view) error { records, err = v.RecordsForLot(ctx, id); return err })
	return records, err
}

func (m *Memory) DeleteRecordsForEvent(ctx context.Context, id fifo.EventID) (n int, err error) {
	err = m.write(func(v *view) error { n, err = v.DeleteRecordsForEvent(ctx, id); return err })
	return n, err
}

func (m *Memory) DeleteRecords(ctx context.Context, s fifo.Scope) (n int, err error) {
	err = m.write(func(v *view) error { n, err = v.DeleteRecords(ctx, s); return err })
	return n, err
}

// =============================================================================
// VIEW - Unlocked access used inside a held lock
// =============================================================================

type view struct {
	st *state
}

var _ fifo.Store = (*view)(nil)

func (v *view) SaveItem(_ context.Context, item fifo.Item) error {
	v.st.items[item.ID] = item
	return nil
}

func (v *view) GetItem(_ context.Context, id fifo.ItemID) (fifo.Item, error) {
	item, ok := v.st.items[id]
	if !ok {
		return fifo.Item{}, fmt.Errorf("item %s: %w", id, fifo.ErrUnknownItem)
	}
	return item, nil
}

func (v *view) ListItems(_ context.Context) ([]fifo.Item, error) {
	items := make([]fifo.Item, 0, len(v.st.items))
	for _, it := range v.st.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (v *view) SaveLocation(_ context.Context, loc fifo.Location) error {
	v.st.locations[loc.ID] = loc
	return nil
}

func (v *view) GetLocation(_ context.Context, id fifo.LocationID) (fifo.Location, error) {
	loc, ok := v.st.locations[id]
	if !ok {
		return fifo.Location{}, fmt.Errorf("location %s: %w", id, fifo.ErrUnknownLocation)
	}
	return loc, nil
}

func (v *view) ListLocations(_ context.Context) ([]fifo.Location, error) {
	locs := make([]fifo.Location, 0, len(v.st.locations))
	for _, l := range v.st.locations {
		locs = append(locs, l)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].ID < locs[j].ID })
	return locs, nil
}

func (v *view) SaveDocument(_ context.Context, doc fifo.Document) error {
	v.st.documents[doc.ID] = doc
	return nil
}

func (v *view) GetDocument(_ context.Context, id fifo.DocumentID) (fifo.Document, error) {
	doc, ok := v.st.documents[id]
	if !ok {
		return fifo.Document{}, fmt.Errorf("document %s: %w", id, fifo.ErrDocumentNotFound)
	}
	return doc, nil
}

func (v *view) NextSeq(_ context.Context) (int64, error) {
	v.st.seq++
	return v.st.seq, nil
}

func (v *view) InsertEvent(_ context.Context, e fifo.Event) error {
	if _, ok := v.st.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, fifo.ErrDuplicateEvent)
	}
	v.st.events[e.ID] = e
	return nil
}

func (v *view) UpdateEvent(_ context.Context, e fifo.Event) error {
	if _, ok := v.st.events[e.ID]; !ok {
		return fmt.Errorf("event %s: %w", e.ID, fifo.ErrEventNotFound)
	}
	v.st.events[e.ID] = e
	return nil
}

func (v *view) GetEvent(_ context.Context, id fifo.EventID) (fifo.Event, error) {
	e, ok := v.st.events[id]
	if !ok {
		return fifo.Event{}, fmt.Errorf("event %s: %w", id, fifo.ErrEventNotFound)
	}
	return e, nil
}

func (v *view) ListEvents(_ context.Context, f fifo.EventFilter) ([]fifo.Event, error) {
	var events []fifo.Event
	for _, e := range v.st.events {
		if f.Matches(e) {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		return events[i].Seq < events[j].Seq
	})
	return events, nil
}

func (v *view) InsertTransfer(_ context.Context, t fifo.Transfer) error {
	v.st.transfers[t.ID] = t
	return nil
}

func (v *view) UpdateTransfer(_ context.Context, t fifo.Transfer) error {
	if _, ok := v.st.transfers[t.ID]; !ok {
		return fmt.Errorf("transfer %s: %w", t.ID, fifo.ErrTransferNotFound)
	}
	v.st.transfers[t.ID] = t
	return nil
}

func (v *view) GetTransfer(_ context.Context, id fifo.TransferID) (fifo.Transfer, error) {
	t, ok := v.st.transfers[id]
	if !ok {
		return fifo.Transfer{}, fmt.Errorf("transfer %s: %w", id, fifo.ErrTransferNotFound)
	}
	return t, nil
}

func (v *view) InsertLot(_ context.Context, l fifo.Lot) error {
	v.st.lots[l.ID] = l
	return nil
}

func (v *view) GetLot(_ context.Context, id fifo.LotID) (fifo.Lot, error) {
	l, ok := v.st.lots[id]
	if !ok {
		return fifo.Lot{}, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	return l, nil
}

func (v *view) LotForEvent(_ context.Context, id fifo.EventID) (fifo.Lot, error) {
	for _, l := range v.st.lots {
		if l.EventID == id {
			return l, nil
		}
	}
	return fifo.Lot{}, fmt.Errorf("lot for event %s: %w", id, fifo.ErrLotNotFound)
}

func (v *view) ListLots(_ context.Context, f fifo.LotFilter) ([]fifo.Lot, error) {
	var lots []fifo.Lot
	for _, l := range v.st.lots {
		if f.Matches(l) {
			lots = append(lots, l)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	return lots, nil
}

func (v *view) UpdateLotRemaining(_ context.Context, id fifo.LotID, remaining decimal.Decimal) error {
	l, ok := v.st.lots[id]
	if !ok {
		return fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	l.Remaining = remaining
	v.st.lots[id] = l
	return nil
}

func (v *view) RepriceLot(_ context.Context, id fifo.LotID, cost decimal.Decimal) error {
	l, ok := v.st.lots[id]
	if !ok {
		return fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	l.UnitCost = cost
	v.st.lots[id] = l
	for rid, r := range v.st.records {
		if r.LotID == id {
			r.UnitCost = cost
			v.st.records[rid] = r
		}
	}
	return nil
}

func (v *view) DeleteLot(_ context.Context, id fifo.LotID) error {
	if _, ok := v.st.lots[id]; !ok {
		return fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	delete(v.st.lots, id)
	return nil
}

func (v *view) DeleteLots(_ context.Context, s fifo.Scope) (int, error) {
	n := 0
	for id, l := range v.st.lots {
		if s.Matches(l.Location, l.Item) {
			delete(v.st.lots, id)
			n++
		}
	}
	return n, nil
}

func (v *view) InsertRecord(_ context.Context, r fifo.LedgerRecord) error {
	v.st.records[r.ID] = r
	return nil
}

func (v *view) RecordsForEvent(_ context.Context, id fifo.EventID) ([]fifo.LedgerRecord, error) {
	var out []fifo.LedgerRecord
	for _, r := range v.st.records {
		if r.EventID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (v *view) RecordsForLot(_ context.Context, id fifo.LotID) ([]fifo.LedgerRecord, error) {
	var out []fifo.LedgerRecord
	for _, r := range v.st.records {
		if r.LotID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (v *view) DeleteRecordsForEvent(_ context.Context, id fifo.EventID) (int, error) {
	n := 0
	for rid, r := range v.st.records {
		if r.EventID == id {
			delete(v.st.records, rid)
			n++
		}
	}
	return n, nil
}

func (v *view) DeleteRecords(_ context.Context, s fifo.Scope) (int, error) {
	n := 0
	for rid, r := range v.st.records {
		inScope := false
		if l, ok := v.st.lots[r.LotID]; ok && s.Matches(l.Location, l.Item) {
			inScope = true
		}
		if e, ok := v.st.events[r.EventID]; ok && s.Matches(e.Location, e.Item) {
			inScope = true
		}
		if inScope {
			delete(v.st.records, rid)
			n++
		}
	}
	return n, nil
}
