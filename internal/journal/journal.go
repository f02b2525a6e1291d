// Package journal persists the event stream and the order lifecycle of an instance run
// to parquet files through an in-memory DuckDB database.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"go.uber.org/zap"
)

const (
	EventsFile = "events.parquet"
	OrdersFile = "orders.parquet"
)

// Writer is an events.Sink that journals every event and keeps one row per order.
// Both tables are exported to parquet every exportEvery writes and on Flush/Close.
type Writer struct {
	mu sync.Mutex

	db        *sql.DB
	sq        squirrel.StatementBuilderType
	dir       string
	sessionID string
	log       *logger.Logger

	nextID      int64
	exportEvery int
	pending     int
}

// Option configures a Writer.
type Option func(*Writer)

// WithExportEvery exports the parquet files after every n writes instead of every write.
func WithExportEvery(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.exportEvery = n
		}
	}
}

// NewWriter creates a writer for the run folder dir. Call Initialize before use.
func NewWriter(dir, sessionID string, log *logger.Logger, opts ...Option) *Writer {
	w := &Writer{
		mu:          sync.Mutex{},
		db:          nil,
		sq:          squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		dir:         dir,
		sessionID:   sessionID,
		log:         log,
		nextID:      1,
		exportEvery: 1,
		pending:     0,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Initialize opens DuckDB, creates the tables and loads rows from parquet files
// already present in the run folder.
func (w *Writer) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to create journal directory", err)
	}

	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to open DuckDB connection", err)
	}

	w.db = db

	if err := w.createTables(); err != nil {
		w.db.Close()
		w.db = nil

		return err
	}

	w.load()

	return nil
}

// Emit journals the event. It runs on the caller's goroutine, which for an
// instance is the engine's, so the export cadence bounds how often an event
// pays for a parquet export. Failures are logged.
func (w *Writer) Emit(event events.Event) {
	if err := w.Write(event); err != nil {
		w.log.Error("Failed to journal event", zap.String("event", string(event.Type)), zap.Error(err))
	}
}

// Write journals the event and, for order lifecycle events, upserts the order row.
func (w *Writer) Write(event events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return errors.New(errors.ErrCodeWriterNotInitialized, "journal writer not initialized")
	}

	if err := w.insertEvent(event); err != nil {
		return err
	}

	if err := w.upsertOrder(event); err != nil {
		return err
	}

	w.pending++
	if w.pending >= w.exportEvery {
		return w.export()
	}

	return nil
}

// Flush exports both tables to parquet.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return errors.New(errors.ErrCodeWriterNotInitialized, "journal writer not initialized")
	}

	return w.export()
}

// Close flushes and releases the database. Closing an uninitialized writer is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return nil
	}

	exportErr := w.export()

	if err := w.db.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to close database", err)
	}

	w.db = nil

	return exportErr
}

// ExportEvery returns the number of writes between two exports.
func (w *Writer) ExportEvery() int {
	return w.exportEvery
}

// Dir returns the run folder the writer exports to.
func (w *Writer) Dir() string {
	return w.dir
}

// EventCount returns the number of journaled events.
func (w *Writer) EventCount() (int, error) {
	return w.count("events")
}

// OrderCount returns the number of distinct orders seen.
func (w *Writer) OrderCount() (int, error) {
	return w.count("orders")
}

// Orders returns the order rows sorted by placement time.
func (w *Writer) Orders() ([]OrderRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return nil, errors.New(errors.ErrCodeWriterNotInitialized, "journal writer not initialized")
	}

	rows, err := w.sq.
		Select("order_id", "instance", "symbol", "unit", "side", "status", "price", "size",
			"fill_price", "reason", "updated_at").
		From("orders").
		OrderBy("placed_at ASC", "order_id ASC").
		RunWith(w.db).
		Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWriteFailed, "failed to query orders", err)
	}
	defer rows.Close()

	out := make([]OrderRow, 0)

	for rows.Next() {
		var row OrderRow

		var fillPrice sql.NullFloat64

		if err := rows.Scan(&row.OrderID, &row.Instance, &row.Symbol, &row.Unit, &row.Side, &row.Status,
			&row.Price, &row.Size, &fillPrice, &row.Reason, &row.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWriteFailed, "failed to scan order", err)
		}

		row.FillPrice = fillPrice.Float64
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWriteFailed, "error iterating orders", err)
	}

	return out, nil
}

// EventTypes returns the journaled event types in order.
func (w *Writer) EventTypes() ([]events.Type, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return nil, errors.New(errors.ErrCodeWriterNotInitialized, "journal writer not initialized")
	}

	rows, err := w.sq.Select("type").From("events").OrderBy("id ASC").RunWith(w.db).Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWriteFailed, "failed to query events", err)
	}
	defer rows.Close()

	out := make([]events.Type, 0)

	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWriteFailed, "failed to scan event", err)
		}

		out = append(out, events.Type(t))
	}

	return out, rows.Err()
}

func (w *Writer) createTables() error {
	_, err := w.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGINT PRIMARY KEY,
			session_id TEXT,
			time TIMESTAMP,
			instance TEXT,
			symbol TEXT,
			type TEXT,
			unit INTEGER,
			units TEXT,
			side TEXT,
			order_id TEXT,
			price DOUBLE,
			size DOUBLE,
			realized_pnl DOUBLE,
			phase TEXT,
			message TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to create events table", err)
	}

	_, err = w.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			session_id TEXT,
			instance TEXT,
			symbol TEXT,
			unit INTEGER,
			side TEXT,
			status TEXT,
			price DOUBLE,
			size DOUBLE,
			fill_price DOUBLE,
			reason TEXT,
			placed_at TIMESTAMP,
			updated_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to create orders table", err)
	}

	return nil
}

// load imports parquet files left by an earlier writer on the same folder. A file
// that cannot be read is skipped and will be overwritten by the next export.
func (w *Writer) load() {
	eventsPath := filepath.Join(w.dir, EventsFile)
	if _, err := os.Stat(eventsPath); err == nil {
		if _, err := w.db.Exec(fmt.Sprintf(`INSERT INTO events SELECT * FROM read_parquet('%s')`, eventsPath)); err != nil {
			w.log.Warn("Ignoring unreadable events journal", zap.String("path", eventsPath), zap.Error(err))
		}
	}

	ordersPath := filepath.Join(w.dir, OrdersFile)
	if _, err := os.Stat(ordersPath); err == nil {
		_, err := w.db.Exec(fmt.Sprintf(`
			INSERT INTO orders SELECT * FROM read_parquet('%s')
			ON CONFLICT (order_id) DO NOTHING
		`, ordersPath))
		if err != nil {
			w.log.Warn("Ignoring unreadable orders journal", zap.String("path", ordersPath), zap.Error(err))
		}
	}

	var maxID sql.NullInt64
	if err := w.db.QueryRow("SELECT MAX(id) FROM events").Scan(&maxID); err == nil && maxID.Valid {
		w.nextID = maxID.Int64 + 1
	}
}

func (w *Writer) insertEvent(event events.Event) error {
	units := ""

	if len(event.Units) > 0 {
		encoded, err := json.Marshal(event.Units)
		if err != nil {
			return errors.Wrap(errors.ErrCodeWriteFailed, "failed to encode units", err)
		}

		units = string(encoded)
	}

	_, err := w.sq.
		Insert("events").
		Columns("id", "session_id", "time", "instance", "symbol", "type", "unit", "units", "side",
			"order_id", "price", "size", "realized_pnl", "phase", "message").
		Values(w.nextID, w.sessionID, event.Time, event.Instance, event.Symbol, string(event.Type), event.Unit,
			units, string(event.Side), event.OrderID, event.Price.InexactFloat64(), event.Size.InexactFloat64(),
			event.RealizedPnL.InexactFloat64(), string(event.Phase), event.Message).
		RunWith(w.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to insert event", err)
	}

	w.nextID++

	return nil
}

func (w *Writer) upsertOrder(event events.Event) error {
	status, ok := orderStatus(event.Type)
	if !ok || event.OrderID == "" {
		return nil
	}

	var fillPrice any
	if event.Type == events.TypeFill {
		fillPrice = event.Price.InexactFloat64()
	}

	_, err := w.sq.
		Insert("orders").
		Columns("order_id", "session_id", "instance", "symbol", "unit", "side", "status", "price", "size",
			"fill_price", "reason", "placed_at", "updated_at").
		Values(event.OrderID, w.sessionID, event.Instance, event.Symbol, event.Unit, string(event.Side), status,
			event.Price.InexactFloat64(), event.Size.InexactFloat64(), fillPrice, event.Message,
			event.Time, event.Time).
		Suffix(`ON CONFLICT (order_id) DO UPDATE SET
			status = excluded.status,
			fill_price = COALESCE(excluded.fill_price, fill_price),
			updated_at = excluded.updated_at`).
		RunWith(w.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to upsert order", err)
	}

	return nil
}

func (w *Writer) export() error {
	for _, table := range []struct{ name, file, order string }{
		{name: "events", file: EventsFile, order: "id"},
		{name: "orders", file: OrdersFile, order: "placed_at, order_id"},
	} {
		path := filepath.Join(w.dir, table.file)

		_, err := w.db.Exec(fmt.Sprintf(`COPY (SELECT * FROM %s ORDER BY %s) TO '%s' (FORMAT PARQUET)`,
			table.name, table.order, path))
		if err != nil {
			return errors.Wrapf(errors.ErrCodeWriteFailed, err, "failed to export %s to parquet", table.name)
		}
	}

	w.pending = 0

	return nil
}

func (w *Writer) count(table string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return 0, errors.New(errors.ErrCodeWriterNotInitialized, "journal writer not initialized")
	}

	var count int
	if err := w.sq.Select("COUNT(*)").From(table).RunWith(w.db).QueryRow().Scan(&count); err != nil {
		return 0, errors.Wrapf(errors.ErrCodeWriteFailed, err, "failed to count %s", table)
	}

	return count, nil
}
