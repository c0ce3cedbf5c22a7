package pipeline

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aluiziolira/go-catalog-harvester/models"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	source         TEXT NOT NULL,
	page           INTEGER NOT NULL,
	sku            TEXT NOT NULL,
	product_name   TEXT NOT NULL,
	category       TEXT NOT NULL,
	manufacturer   TEXT NOT NULL,
	part_number    TEXT NOT NULL,
	unspsc_code    TEXT NOT NULL,
	upc            TEXT NOT NULL,
	main_image     TEXT NOT NULL,
	description    TEXT NOT NULL,
	specifications TEXT NOT NULL,
	written_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_run_source ON records(run_id, source, page);
`

const insertRecord = `
INSERT INTO records (
	run_id, source, page, sku, product_name, category, manufacturer,
	part_number, unspsc_code, upc, main_image, description, specifications, written_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteWriter stores records in a SQLite database, one transaction per page.
type SQLiteWriter struct {
	db    *sql.DB
	runID string
	rows  int
	mu    sync.Mutex
}

// NewSQLiteWriter opens (or creates) the database at filename. Rows are
// tagged with runID so several runs can share one file.
func NewSQLiteWriter(filename, runID string) (*SQLiteWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filename+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteWriter{db: db, runID: runID}, nil
}

// Write inserts the page's records in one transaction.
func (sw *SQLiteWriter) Write(page models.PageResult) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(page.Records) == 0 {
		return nil
	}

	tx, err := sw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.Prepare(insertRecord)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range page.Records {
		if _, err := stmt.Exec(
			sw.runID, page.Source.Locator, page.Page, r.SKU, r.ProductName, r.Category, r.Manufacturer,
			r.PartNumber, r.UNSPSC, r.UPC, r.MainImage, r.Description, r.Specifications, now,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", r.SKU, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit page %d: %w", page.Page, err)
	}
	sw.rows += len(page.Records)
	return nil
}

// Count returns the number of rows stored for this run.
func (sw *SQLiteWriter) Count() (int, error) {
	var n int
	if err := sw.db.QueryRow("SELECT COUNT(*) FROM records WHERE run_id = ?", sw.runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (sw *SQLiteWriter) Close() error {
	return sw.db.Close()
}

// Validate ensures this run stored at least one record.
func (sw *SQLiteWriter) Validate() error {
	n, err := sw.Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("database has no records for run %s", sw.runID)
	}
	return nil
}
