/*
Package sqlite provides a SQLite-backed fifo.TxStore.

PURPOSE:
  Durable single-node storage for the lot engine. The same schema runs on
  PostgreSQL (store/postgres) with only dialect differences.

KEY TABLES:
  items, locations:  Master data
  documents:         Grouping documents and their state
  events:            Inventory events (append-mostly; status flips on reverse)
  transfers:         Transfer aggregates pairing an out and an in event
  lots:              Derived: one per applied receipt or transfer_in
  ledger_records:    Derived: one per (consumption event, lot) allocation
  sequences:         Monotonic counters (event Seq)

DECIMALS AND TIMES:
  Decimals are stored as TEXT in their canonical string form so no
  precision is lost. Times are UTC TEXT in a fixed-width layout, so string
  order is time order and ORDER BY date works.

DERIVED DATA:
  lots and ledger_records carry no foreign keys. The verifier reports
  dangling references instead of the database refusing them, and a
  rebuild deletes and recreates both tables freely.

CONCURRENCY:
  One connection, WAL journal. WithTx holds a mutex for the duration of the
  transaction so writers never see SQLITE_BUSY; plain reads queue on the
  connection pool.

USAGE:
  store, err := sqlite.New("./data/lots.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := fifo.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
)

// timeLayout is fixed width so that lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements fifo.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ fifo.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a different database.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. The operations server uses it for readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		sale_price TEXT NOT NULL,
		duty_exempt INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		duty_exempt INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reference TEXT,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO sequences(name, value) VALUES ('events', 0);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		location_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		date TEXT NOT NULL,
		duty_exempt INTEGER NOT NULL DEFAULT 0,
		transfer_id TEXT,
		document_id TEXT,
		note TEXT,
		status TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Replay order within a position (rebuild, verify)
	CREATE INDEX IF NOT EXISTS idx_events_pair_date
		ON events(location_id, item_id, date, seq);
	CREATE INDEX IF NOT EXISTS idx_events_document
		ON events(document_id) WHERE document_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		destination_id TEXT NOT NULL,
		out_event_id TEXT NOT NULL,
		in_event_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		location_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		date TEXT NOT NULL,
		seq INTEGER NOT NULL,
		unit_cost TEXT NOT NULL,
		original TEXT NOT NULL,
		remaining TEXT NOT NULL,
		event_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- FIFO walk (hot path)
	CREATE INDEX IF NOT EXISTS idx_lots_pair_fifo
		ON lots(location_id, item_id, date, seq, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lots_event
		ON lots(event_id);

	CREATE TABLE IF NOT EXISTS ledger_records (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		lot_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_event
		ON ledger_records(event_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_records_lot
		ON ledger_records(lot_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries implements fifo.Store over either the pool or an open transaction.
type queries struct {
	db dbtx
}

var _ fifo.Store = (*queries)(nil)

// =============================================================================
// MASTER DATA
// =============================================================================

func (q *queries) SaveItem(ctx context.Context, item fifo.Item) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO items (id, name, cost_basis, sale_price, duty_exempt, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, cost_basis = excluded.cost_basis,
			sale_price = excluded.sale_price, duty_exempt = excluded.duty_exempt,
			active = excluded.active`,
		item.ID, item.Name, item.CostBasis.String(), item.SalePrice.String(), item.DutyExempt, item.Active)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (q *queries) GetItem(ctx context.Context, id fifo.ItemID) (fifo.Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, cost_basis, sale_price, duty_exempt, active FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Item{}, fmt.Errorf("item %s: %w", id, fifo.ErrUnknownItem)
	}
	return item, err
}

func (q *queries) ListItems(ctx context.Context) ([]fifo.Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, cost_basis, sale_price, duty_exempt, active FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []fifo.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *queries) SaveLocation(ctx context.Context, loc fifo.Location) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, duty_exempt, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, duty_exempt = excluded.duty_exempt, active = excluded.active`,
		loc.ID, loc.Name, loc.DutyExempt, loc.Active)
	if err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}
	return nil
}

func (q *queries) GetLocation(ctx context.Context, id fifo.LocationID) (fifo.Location, error) {
	var loc fifo.Location
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, duty_exempt, active FROM locations WHERE id = ?`, id).
		Scan(&loc.ID, &loc.Name, &loc.DutyExempt, &loc.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Location{}, fmt.Errorf("location %s: %w", id, fifo.ErrUnknownLocation)
	}
	if err != nil {
		return fifo.Location{}, fmt.Errorf("failed to get location: %w", err)
	}
	return loc, nil
}

func (q *queries) ListLocations(ctx context.Context) ([]fifo.Location, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, duty_exempt, active FROM locations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var locs []fifo.Location
	for rows.Next() {
		var loc fifo.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.DutyExempt, &loc.Active); err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

func (q *queries) SaveDocument(ctx context.Context, doc fifo.Document) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO documents (id, kind, reference, state, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, reference = excluded.reference,
			state = excluded.state, updated_at = excluded.updated_at`,
		doc.ID, doc.Kind, doc.Reference, doc.State, formatTime(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (q *queries) GetDocument(ctx context.Context, id fifo.DocumentID) (fifo.Document, error) {
	var (
		doc       fifo.Document
		reference sql.NullString
		updatedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, kind, reference, state, updated_at FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Kind, &reference, &doc.State, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Document{}, fmt.Errorf("document %s: %w", id, fifo.ErrDocumentNotFound)
	}
	if err != nil {
		return fifo.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	doc.Reference = reference.String
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fifo.Document{}, err
	}
	return doc, nil
}

// =============================================================================
// EVENTS AND TRANSFERS
// =============================================================================

func (q *queries) NextSeq(ctx context.Context) (int64, error) {
	if _, err := q.db.ExecContext(ctx, `UPDATE sequences SET value = value + 1 WHERE name = 'events'`); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var seq int64
	if err := q.db.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name = 'events'`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

const eventColumns = `id, seq, kind, location_id, item_id, quantity, unit_price, date,
	duty_exempt, transfer_id, document_id, note, status, revision, created_at, updated_at`

func (q *queries) InsertEvent(ctx context.Context, e fifo.Event) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Seq, e.Kind, e.Location, e.Item, e.Quantity.String(), e.UnitPrice.String(),
		formatTime(e.Date), e.DutyExempt, nullString(string(e.TransferID)), nullString(string(e.DocumentID)),
		e.Note, e.Status, e.Revision, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if isConstraint(err) {
		return fmt.Errorf("event %s: %w", e.ID, fifo.ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (q *queries) UpdateEvent(ctx context.Context, e fifo.Event) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE events SET
			seq = ?, kind = ?, location_id = ?, item_id = ?, quantity = ?, unit_price = ?,
			date = ?, duty_exempt = ?, transfer_id = ?, document_id = ?, note = ?,
			status = ?, revision = ?, updated_at = ?
		WHERE id = ?`,
		e.Seq, e.Kind, e.Location, e.Item, e.Quantity.String(), e.UnitPrice.String(),
		formatTime(e.Date), e.DutyExempt, nullString(string(e.TransferID)), nullString(string(e.DocumentID)),
		e.Note, e.Status, e.Revision, formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return mustAffect(res, fmt.Errorf("event %s: %w", e.ID, fifo.ErrEventNotFound))
}

func (q *queries) GetEvent(ctx context.Context, id fifo.EventID) (fifo.Event, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Event{}, fmt.Errorf("event %s: %w", id, fifo.ErrEventNotFound)
	}
	return e, err
}

func (q *queries) ListEvents(ctx context.Context, f fifo.EventFilter) ([]fifo.Event, error) {
	where, args := scopeWhere(f.Scope)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, f.DocumentID)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events`+whereClause(where)+` ORDER BY date, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []fifo.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (q *queries) InsertTransfer(ctx context.Context, t fifo.Transfer) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO transfers (id, item_id, source_id, destination_id, out_event_id, in_event_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Item, t.Source, t.Destination, t.OutEvent, t.InEvent, t.Status, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

func (q *queries) UpdateTransfer(ctx context.Context, t fifo.Transfer) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE transfers SET item_id = ?, source_id = ?, destination_id = ?,
			out_event_id = ?, in_event_id = ?, status = ?
		WHERE id = ?`,
		t.Item, t.Source, t.Destination, t.OutEvent, t.InEvent, t.Status, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	return mustAffect(res, fmt.Errorf("transfer %s: %w", t.ID, fifo.ErrTransferNotFound))
}

func (q *queries) GetTransfer(ctx context.Context, id fifo.TransferID) (fifo.Transfer, error) {
	var (
		t         fifo.Transfer
		createdAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, item_id, source_id, destination_id, out_event_id, in_event_id, status, created_at
		FROM transfers WHERE id = ?`, id).
		Scan(&t.ID, &t.Item, &t.Source, &t.Destination, &t.OutEvent, &t.InEvent, &t.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Transfer{}, fmt.Errorf("transfer %s: %w", id, fifo.ErrTransferNotFound)
	}
	if err != nil {
		return fifo.Transfer{}, fmt.Errorf("failed to get transfer: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return fifo.Transfer{}, err
	}
	return t, nil
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, location_id, item_id, date, seq, unit_cost, original, remaining, event_id, created_at`

func (q *queries) InsertLot(ctx context.Context, l fifo.Lot) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Location, l.Item, formatTime(l.Date), l.Seq, l.UnitCost.String(),
		l.Original.String(), l.Remaining.String(), l.EventID, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (q *queries) GetLot(ctx context.Context, id fifo.LotID) (fifo.Lot, error) {
	l, err := scanLot(q.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Lot{}, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	return l, err
}

func (q *queries) LotForEvent(ctx context.Context, id fifo.EventID) (fifo.Lot, error) {
	l, err := scanLot(q.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE event_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fifo.Lot{}, fmt.Errorf("lot for event %s: %w", id, fifo.ErrLotNotFound)
	}
	return l, err
}

// ListLots ignores ForUpdate: WithTx already serializes writers.
func (q *queries) ListLots(ctx context.Context, f fifo.LotFilter) ([]fifo.Lot, error) {
	where, args := scopeWhere(f.Scope)
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM lots`+whereClause(where)+` ORDER BY date, seq, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}
	defer rows.Close()

	var lots []fifo.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		// Remaining is TEXT; the positivity test happens on the decimal.
		if f.Matches(l) {
			lots = append(lots, l)
		}
	}
	return lots, rows.Err()
}

func (q *queries) UpdateLotRemaining(ctx context.Context, id fifo.LotID, remaining decimal.Decimal) error {
	res, err := q.db.ExecContext(ctx, `UPDATE lots SET remaining = ? WHERE id = ?`, remaining.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	return mustAffect(res, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound))
}

func (q *queries) RepriceLot(ctx context.Context, id fifo.LotID, cost decimal.Decimal) error {
	res, err := q.db.ExecContext(ctx, `UPDATE lots SET unit_cost = ? WHERE id = ?`, cost.String(), id)
	if err != nil {
		return fmt.Errorf("failed to reprice lot: %w", err)
	}
	if err := mustAffect(res, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE ledger_records SET unit_cost = ? WHERE lot_id = ?`, cost.String(), id); err != nil {
		return fmt.Errorf("failed to reprice records: %w", err)
	}
	return nil
}

func (q *queries) DeleteLot(ctx context.Context, id fifo.LotID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lot: %w", err)
	}
	return mustAffect(res, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound))
}

func (q *queries) DeleteLots(ctx context.Context, s fifo.Scope) (int, error) {
	where, args := scopeWhere(s)
	res, err := q.db.ExecContext(ctx, `DELETE FROM lots`+whereClause(where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete lots: %w", err)
	}
	return affected(res)
}

// =============================================================================
// LEDGER
// =============================================================================

const recordColumns = `id, event_id, lot_id, quantity, unit_cost, sequence, lot_date`

func (q *queries) InsertRecord(ctx context.Context, r fifo.LedgerRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EventID, r.LotID, r.Quantity.String(), r.UnitCost.String(), r.Sequence, formatTime(r.LotDate))
	if err != nil {
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}
	return nil
}

func (q *queries) RecordsForEvent(ctx context.Context, id fifo.EventID) ([]fifo.LedgerRecord, error) {
	return q.queryRecords(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE event_id = ? ORDER BY sequence`, id)
}

func (q *queries) RecordsForLot(ctx context.Context, id fifo.LotID) ([]fifo.LedgerRecord, error) {
	return q.queryRecords(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE lot_id = ? ORDER BY event_id, sequence`, id)
}

func (q *queries) DeleteRecordsForEvent(ctx context.Context, id fifo.EventID) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM ledger_records WHERE event_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ledger records: %w", err)
	}
	return affected(res)
}

func (q *queries) DeleteRecords(ctx context.Context, s fifo.Scope) (int, error) {
	if s.IsAll() {
		res, err := q.db.ExecContext(ctx, `DELETE FROM ledger_records`)
		if err != nil {
			return 0, fmt.Errorf("failed to delete ledger records: %w", err)
		}
		return affected(res)
	}
	where, args := scopeWhere(s)
	cond := strings.Join(where, " AND ")
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM ledger_records
		WHERE lot_id IN (SELECT id FROM lots WHERE `+cond+`)
		   OR event_id IN (SELECT id FROM events WHERE `+cond+`)`,
		append(args, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ledger records: %w", err)
	}
	return affected(res)
}

func (q *queries) queryRecords(ctx context.Context, query string, args ...any) ([]fifo.LedgerRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger records: %w", err)
	}
	defer rows.Close()

	var records []fifo.LedgerRecord
	for rows.Next() {
		var (
			r                  fifo.LedgerRecord
			qty, cost, lotDate string
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.LotID, &qty, &cost, &r.Sequence, &lotDate); err != nil {
			return nil, err
		}
		if r.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("record %s quantity: %w", r.ID, err)
		}
		if r.UnitCost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("record %s unit cost: %w", r.ID, err)
		}
		if r.LotDate, err = parseTime(lotDate); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (fifo.Item, error) {
	var (
		item       fifo.Item
		cost, sale string
	)
	if err := row.Scan(&item.ID, &item.Name, &cost, &sale, &item.DutyExempt, &item.Active); err != nil {
		return fifo.Item{}, err
	}
	var err error
	if item.CostBasis, err = decimal.NewFromString(cost); err != nil {
		return fifo.Item{}, fmt.Errorf("item %s cost basis: %w", item.ID, err)
	}
	if item.SalePrice, err = decimal.NewFromString(sale); err != nil {
		return fifo.Item{}, fmt.Errorf("item %s sale price: %w", item.ID, err)
	}
	return item, nil
}

func scanEvent(row scanner) (fifo.Event, error) {
	var (
		e                            fifo.Event
		qty, price, date             string
		transferID, documentID, note sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(&e.ID, &e.Seq, &e.Kind, &e.Location, &e.Item, &qty, &price, &date,
		&e.DutyExempt, &transferID, &documentID, &note, &e.Status, &e.Revision, &createdAt, &updatedAt)
	if err != nil {
		return fifo.Event{}, err
	}
	e.TransferID = fifo.TransferID(transferID.String)
	e.DocumentID = fifo.DocumentID(documentID.String)
	e.Note = note.String
	if e.Quantity, err = decimal.NewFromString(qty); err != nil {
		return fifo.Event{}, fmt.Errorf("event %s quantity: %w", e.ID, err)
	}
	if e.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return fifo.Event{}, fmt.Errorf("event %s unit price: %w", e.ID, err)
	}
	if e.Date, err = parseTime(date); err != nil {
		return fifo.Event{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return fifo.Event{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fifo.Event{}, err
	}
	return e, nil
}

func scanLot(row scanner) (fifo.Lot, error) {
	var (
		l                         fifo.Lot
		date, createdAt           string
		cost, original, remaining string
	)
	err := row.Scan(&l.ID, &l.Location, &l.Item, &date, &l.Seq, &cost, &original, &remaining, &l.EventID, &createdAt)
	if err != nil {
		return fifo.Lot{}, err
	}
	if l.UnitCost, err = decimal.NewFromString(cost); err != nil {
		return fifo.Lot{}, fmt.Errorf("lot %s unit cost: %w", l.ID, err)
	}
	if l.Original, err = decimal.NewFromString(original); err != nil {
		return fifo.Lot{}, fmt.Errorf("lot %s original: %w", l.ID, err)
	}
	if l.Remaining, err = decimal.NewFromString(remaining); err != nil {
		return fifo.Lot{}, fmt.Errorf("lot %s remaining: %w", l.ID, err)
	}
	if l.Date, err = parseTime(date); err != nil {
		return fifo.Lot{}, err
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return fifo.Lot{}, err
	}
	return l, nil
}

// scopeWhere turns a scope into conditions on location_id / item_id.
func scopeWhere(s fifo.Scope) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if s.Location != "" {
		where = append(where, "location_id = ?")
		args = append(args, s.Location)
	}
	if s.Item != "" {
		where = append(where, "item_id = ?")
		args = append(args, s.Item)
	}
	return where, args
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
