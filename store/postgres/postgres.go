/*
Package postgres provides a PostgreSQL-backed fifo.TxStore on pgx/v5.

PURPOSE:
  Multi-replica storage for the lot engine. Quantities and costs are
  NUMERIC columns mapped straight to shopspring/decimal through the
  pgx-shopspring-decimal codec, registered on every pooled connection.

ROW LOCKS:
  ListLots with ForUpdate appends FOR UPDATE, so the lots an allocation
  reads stay locked until its transaction ends. Together with the
  engine's position locks (cache.RedisLocker across replicas) this keeps
  two replicas from consuming the same remaining.

SEQUENCE:
  Event Seq comes from a database sequence. Gaps after a rollback are
  harmless; Seq only orders events that share a date.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements fifo.TxStore on a pgx pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

var _ fifo.TxStore = (*Store)(nil)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolConfig returns the pool settings used by the server.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        25,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	// NUMERIC <-> shopspring/decimal on every connection of the pool.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	s := &Store{queries: &queries{db: pool}, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	cost_basis  NUMERIC NOT NULL,
	sale_price  NUMERIC NOT NULL,
	duty_exempt BOOLEAN NOT NULL DEFAULT FALSE,
	active      BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS locations (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	duty_exempt BOOLEAN NOT NULL DEFAULT FALSE,
	active      BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	reference  TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE SEQUENCE IF NOT EXISTS event_seq;

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	seq         BIGINT NOT NULL,
	kind        TEXT NOT NULL,
	location_id TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	quantity    NUMERIC NOT NULL,
	unit_price  NUMERIC NOT NULL,
	date        TIMESTAMPTZ NOT NULL,
	duty_exempt BOOLEAN NOT NULL DEFAULT FALSE,
	transfer_id TEXT,
	document_id TEXT,
	note        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	revision    INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_pair_date ON events(location_id, item_id, date, seq);
CREATE INDEX IF NOT EXISTS idx_events_document ON events(document_id) WHERE document_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS transfers (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL,
	source_id      TEXT NOT NULL,
	destination_id TEXT NOT NULL,
	out_event_id   TEXT NOT NULL,
	in_event_id    TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lots (
	id          TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	date        TIMESTAMPTZ NOT NULL,
	seq         BIGINT NOT NULL,
	unit_cost   NUMERIC NOT NULL,
	original    NUMERIC NOT NULL,
	remaining   NUMERIC NOT NULL,
	event_id    TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_pair_fifo ON lots(location_id, item_id, date, seq, id);

CREATE TABLE IF NOT EXISTS ledger_records (
	id        TEXT PRIMARY KEY,
	event_id  TEXT NOT NULL,
	lot_id    TEXT NOT NULL,
	quantity  NUMERIC NOT NULL,
	unit_cost NUMERIC NOT NULL,
	sequence  INTEGER NOT NULL,
	lot_date  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_event ON ledger_records(event_id, sequence);
CREATE INDEX IF NOT EXISTS idx_records_lot ON ledger_records(lot_id);
`

// WithTx runs fn with a store bound to one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(fifo.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queries struct {
	db querier
}

var _ fifo.Store = (*queries)(nil)

// =============================================================================
// MASTER DATA
// =============================================================================

func (q *queries) SaveItem(ctx context.Context, item fifo.Item) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO items (id, name, cost_basis, sale_price, duty_exempt, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, cost_basis = EXCLUDED.cost_basis, sale_price = EXCLUDED.sale_price,
			duty_exempt = EXCLUDED.duty_exempt, active = EXCLUDED.active`,
		string(item.ID), item.Name, item.CostBasis, item.SalePrice, item.DutyExempt, item.Active)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}

func (q *queries) GetItem(ctx context.Context, id fifo.ItemID) (fifo.Item, error) {
	var (
		item  fifo.Item
		rawID string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, name, cost_basis, sale_price, duty_exempt, active FROM items WHERE id = $1`, string(id)).
		Scan(&rawID, &item.Name, &item.CostBasis, &item.SalePrice, &item.DutyExempt, &item.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Item{}, fmt.Errorf("item %s: %w", id, fifo.ErrUnknownItem)
	}
	if err != nil {
		return fifo.Item{}, fmt.Errorf("get item: %w", err)
	}
	item.ID = fifo.ItemID(rawID)
	return item, nil
}

func (q *queries) ListItems(ctx context.Context) ([]fifo.Item, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, cost_basis, sale_price, duty_exempt, active FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []fifo.Item
	for rows.Next() {
		var (
			item  fifo.Item
			rawID string
		)
		if err := rows.Scan(&rawID, &item.Name, &item.CostBasis, &item.SalePrice, &item.DutyExempt, &item.Active); err != nil {
			return nil, err
		}
		item.ID = fifo.ItemID(rawID)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *queries) SaveLocation(ctx context.Context, loc fifo.Location) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO locations (id, name, duty_exempt, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, duty_exempt = EXCLUDED.duty_exempt, active = EXCLUDED.active`,
		string(loc.ID), loc.Name, loc.DutyExempt, loc.Active)
	if err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	return nil
}

func (q *queries) GetLocation(ctx context.Context, id fifo.LocationID) (fifo.Location, error) {
	var (
		loc   fifo.Location
		rawID string
	)
	err := q.db.QueryRow(ctx, `SELECT id, name, duty_exempt, active FROM locations WHERE id = $1`, string(id)).
		Scan(&rawID, &loc.Name, &loc.DutyExempt, &loc.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Location{}, fmt.Errorf("location %s: %w", id, fifo.ErrUnknownLocation)
	}
	if err != nil {
		return fifo.Location{}, fmt.Errorf("get location: %w", err)
	}
	loc.ID = fifo.LocationID(rawID)
	return loc, nil
}

func (q *queries) ListLocations(ctx context.Context) ([]fifo.Location, error) {
	rows, err := q.db.Query(ctx, `SELECT id, name, duty_exempt, active FROM locations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var locs []fifo.Location
	for rows.Next() {
		var (
			loc   fifo.Location
			rawID string
		)
		if err := rows.Scan(&rawID, &loc.Name, &loc.DutyExempt, &loc.Active); err != nil {
			return nil, err
		}
		loc.ID = fifo.LocationID(rawID)
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

func (q *queries) SaveDocument(ctx context.Context, doc fifo.Document) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO documents (id, kind, reference, state, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind, reference = EXCLUDED.reference,
			state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		string(doc.ID), doc.Kind, doc.Reference, string(doc.State), doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (q *queries) GetDocument(ctx context.Context, id fifo.DocumentID) (fifo.Document, error) {
	var (
		doc          fifo.Document
		rawID, state string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, kind, reference, state, updated_at FROM documents WHERE id = $1`, string(id)).
		Scan(&rawID, &doc.Kind, &doc.Reference, &state, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Document{}, fmt.Errorf("document %s: %w", id, fifo.ErrDocumentNotFound)
	}
	if err != nil {
		return fifo.Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.ID = fifo.DocumentID(rawID)
	doc.State = fifo.DocumentState(state)
	return doc, nil
}

// =============================================================================
// EVENTS AND TRANSFERS
// =============================================================================

func (q *queries) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := q.db.QueryRow(ctx, `SELECT nextval('event_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	return seq, nil
}

const eventColumns = `id, seq, kind, location_id, item_id, quantity, unit_price, date, duty_exempt,
	COALESCE(transfer_id, ''), COALESCE(document_id, ''), note, status, revision, created_at, updated_at`

func (q *queries) InsertEvent(ctx context.Context, e fifo.Event) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO events (id, seq, kind, location_id, item_id, quantity, unit_price, date, duty_exempt,
			transfer_id, document_id, note, status, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15, $16)`,
		string(e.ID), e.Seq, string(e.Kind), string(e.Location), string(e.Item), e.Quantity, e.UnitPrice,
		e.Date, e.DutyExempt, string(e.TransferID), string(e.DocumentID), e.Note, string(e.Status),
		e.Revision, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", e.ID, fifo.ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (q *queries) UpdateEvent(ctx context.Context, e fifo.Event) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE events SET seq = $2, kind = $3, location_id = $4, item_id = $5, quantity = $6,
			unit_price = $7, date = $8, duty_exempt = $9, transfer_id = NULLIF($10, ''),
			document_id = NULLIF($11, ''), note = $12, status = $13, revision = $14, updated_at = $15
		WHERE id = $1`,
		string(e.ID), e.Seq, string(e.Kind), string(e.Location), string(e.Item), e.Quantity, e.UnitPrice,
		e.Date, e.DutyExempt, string(e.TransferID), string(e.DocumentID), e.Note, string(e.Status),
		e.Revision, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", e.ID, fifo.ErrEventNotFound)
	}
	return nil
}

func (q *queries) GetEvent(ctx context.Context, id fifo.EventID) (fifo.Event, error) {
	e, err := scanEvent(q.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Event{}, fmt.Errorf("event %s: %w", id, fifo.ErrEventNotFound)
	}
	if err != nil {
		return fifo.Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (q *queries) ListEvents(ctx context.Context, f fifo.EventFilter) ([]fifo.Event, error) {
	var w where
	w.scope(f.Scope)
	if f.Status != "" {
		w.add("status = %s", string(f.Status))
	}
	if f.DocumentID != "" {
		w.add("document_id = %s", string(f.DocumentID))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		w.add("kind = ANY(%s)", kinds)
	}

	rows, err := q.db.Query(ctx, `SELECT `+eventColumns+` FROM events`+w.String()+` ORDER BY date, seq`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
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
	_, err := q.db.Exec(ctx, `
		INSERT INTO transfers (id, item_id, source_id, destination_id, out_event_id, in_event_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(t.ID), string(t.Item), string(t.Source), string(t.Destination),
		string(t.OutEvent), string(t.InEvent), string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (q *queries) UpdateTransfer(ctx context.Context, t fifo.Transfer) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE transfers SET item_id = $2, source_id = $3, destination_id = $4,
			out_event_id = $5, in_event_id = $6, status = $7
		WHERE id = $1`,
		string(t.ID), string(t.Item), string(t.Source), string(t.Destination),
		string(t.OutEvent), string(t.InEvent), string(t.Status))
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer %s: %w", t.ID, fifo.ErrTransferNotFound)
	}
	return nil
}

func (q *queries) GetTransfer(ctx context.Context, id fifo.TransferID) (fifo.Transfer, error) {
	var (
		t                                              fifo.Transfer
		rawID, item, source, dest, outEv, inEv, status string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, item_id, source_id, destination_id, out_event_id, in_event_id, status, created_at
		FROM transfers WHERE id = $1`, string(id)).
		Scan(&rawID, &item, &source, &dest, &outEv, &inEv, &status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Transfer{}, fmt.Errorf("transfer %s: %w", id, fifo.ErrTransferNotFound)
	}
	if err != nil {
		return fifo.Transfer{}, fmt.Errorf("get transfer: %w", err)
	}
	t.ID = fifo.TransferID(rawID)
	t.Item = fifo.ItemID(item)
	t.Source = fifo.LocationID(source)
	t.Destination = fifo.LocationID(dest)
	t.OutEvent = fifo.EventID(outEv)
	t.InEvent = fifo.EventID(inEv)
	t.Status = fifo.EventStatus(status)
	return t, nil
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, location_id, item_id, date, seq, unit_cost, original, remaining, event_id, created_at`

func (q *queries) InsertLot(ctx context.Context, l fifo.Lot) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO lots (`+lotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(l.ID), string(l.Location), string(l.Item), l.Date, l.Seq,
		l.UnitCost, l.Original, l.Remaining, string(l.EventID), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (q *queries) GetLot(ctx context.Context, id fifo.LotID) (fifo.Lot, error) {
	l, err := scanLot(q.db.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Lot{}, fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	if err != nil {
		return fifo.Lot{}, fmt.Errorf("get lot: %w", err)
	}
	return l, nil
}

func (q *queries) LotForEvent(ctx context.Context, id fifo.EventID) (fifo.Lot, error) {
	l, err := scanLot(q.db.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE event_id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return fifo.Lot{}, fmt.Errorf("lot for event %s: %w", id, fifo.ErrLotNotFound)
	}
	if err != nil {
		return fifo.Lot{}, fmt.Errorf("get lot for event: %w", err)
	}
	return l, nil
}

func (q *queries) ListLots(ctx context.Context, f fifo.LotFilter) ([]fifo.Lot, error) {
	var w where
	w.scope(f.Scope)
	if f.AvailableOnly {
		w.conds = append(w.conds, "remaining > 0")
	}
	query := `SELECT ` + lotColumns + ` FROM lots` + w.String() + ` ORDER BY date, seq, id`
	if f.ForUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	var lots []fifo.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (q *queries) UpdateLotRemaining(ctx context.Context, id fifo.LotID, remaining decimal.Decimal) error {
	tag, err := q.db.Exec(ctx, `UPDATE lots SET remaining = $2 WHERE id = $1`, string(id), remaining)
	if err != nil {
		return fmt.Errorf("update lot remaining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	return nil
}

func (q *queries) RepriceLot(ctx context.Context, id fifo.LotID, cost decimal.Decimal) error {
	tag, err := q.db.Exec(ctx, `UPDATE lots SET unit_cost = $2 WHERE id = $1`, string(id), cost)
	if err != nil {
		return fmt.Errorf("reprice lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	if _, err := q.db.Exec(ctx, `UPDATE ledger_records SET unit_cost = $2 WHERE lot_id = $1`, string(id), cost); err != nil {
		return fmt.Errorf("reprice records: %w", err)
	}
	return nil
}

func (q *queries) DeleteLot(ctx context.Context, id fifo.LotID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM lots WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", id, fifo.ErrLotNotFound)
	}
	return nil
}

func (q *queries) DeleteLots(ctx context.Context, s fifo.Scope) (int, error) {
	var w where
	w.scope(s)
	tag, err := q.db.Exec(ctx, `DELETE FROM lots`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete lots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =============================================================================
// LEDGER
// =============================================================================

const recordColumns = `id, event_id, lot_id, quantity, unit_cost, sequence, lot_date`

func (q *queries) InsertRecord(ctx context.Context, r fifo.LedgerRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(r.ID), string(r.EventID), string(r.LotID), r.Quantity, r.UnitCost, r.Sequence, r.LotDate)
	if err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	return nil
}

func (q *queries) RecordsForEvent(ctx context.Context, id fifo.EventID) ([]fifo.LedgerRecord, error) {
	return q.queryRecords(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE event_id = $1 ORDER BY sequence`, string(id))
}

func (q *queries) RecordsForLot(ctx context.Context, id fifo.LotID) ([]fifo.LedgerRecord, error) {
	return q.queryRecords(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE lot_id = $1 ORDER BY event_id, sequence`, string(id))
}

func (q *queries) DeleteRecordsForEvent(ctx context.Context, id fifo.EventID) (int, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM ledger_records WHERE event_id = $1`, string(id))
	if err != nil {
		return 0, fmt.Errorf("delete ledger records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) DeleteRecords(ctx context.Context, s fifo.Scope) (int, error) {
	query := `DELETE FROM ledger_records`
	var w where
	w.scope(s)
	if len(w.conds) > 0 {
		cond := strings.Join(w.conds, " AND ")
		query += ` WHERE lot_id IN (SELECT id FROM lots WHERE ` + cond + `)
			OR event_id IN (SELECT id FROM events WHERE ` + cond + `)`
	}
	tag, err := q.db.Exec(ctx, query, w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete ledger records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) queryRecords(ctx context.Context, query string, args ...any) ([]fifo.LedgerRecord, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger records: %w", err)
	}
	defer rows.Close()

	var records []fifo.LedgerRecord
	for rows.Next() {
		var (
			r              fifo.LedgerRecord
			rawID, ev, lot string
		)
		if err := rows.Scan(&rawID, &ev, &lot, &r.Quantity, &r.UnitCost, &r.Sequence, &r.LotDate); err != nil {
			return nil, err
		}
		r.ID = fifo.RecordID(rawID)
		r.EventID = fifo.EventID(ev)
		r.LotID = fifo.LotID(lot)
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func scanEvent(row pgx.Row) (fifo.Event, error) {
	var (
		e                           fifo.Event
		id, kind, loc, item, status string
		transferID, documentID      string
	)
	err := row.Scan(&id, &e.Seq, &kind, &loc, &item, &e.Quantity, &e.UnitPrice, &e.Date, &e.DutyExempt,
		&transferID, &documentID, &e.Note, &status, &e.Revision, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fifo.Event{}, err
	}
	e.ID = fifo.EventID(id)
	e.Kind = fifo.Kind(kind)
	e.Location = fifo.LocationID(loc)
	e.Item = fifo.ItemID(item)
	e.Status = fifo.EventStatus(status)
	e.TransferID = fifo.TransferID(transferID)
	e.DocumentID = fifo.DocumentID(documentID)
	return e, nil
}

func scanLot(row pgx.Row) (fifo.Lot, error) {
	var (
		l                 fifo.Lot
		id, loc, item, ev string
	)
	err := row.Scan(&id, &loc, &item, &l.Date, &l.Seq, &l.UnitCost, &l.Original, &l.Remaining, &ev, &l.CreatedAt)
	if err != nil {
		return fifo.Lot{}, err
	}
	l.ID = fifo.LotID(id)
	l.Location = fifo.LocationID(loc)
	l.Item = fifo.ItemID(item)
	l.EventID = fifo.EventID(ev)
	return l, nil
}

// where accumulates numbered conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) scope(s fifo.Scope) {
	if s.Location != "" {
		w.add("location_id = %s", string(s.Location))
	}
	if s.Item != "" {
		w.add("item_id = %s", string(s.Item))
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
