package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	rowsTable     = "report_rows"
	metadataTable = "report_metadata"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	columns []string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

// ColumnName turns a report header such as "PR Thread ID" into pr_thread_id
func ColumnName(header string) string {
	return strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(header), "_"), "_")
}

// Initialize creates the report schema for the given headers
func (db *DB) Initialize(headers []string) error {
	cols := make([]string, 0, len(headers))
	defs := make([]string, 0, len(headers))
	seen := make(map[string]bool)
	for _, h := range headers {
		name := ColumnName(h)
		if name == "" || seen[name] {
			return fmt.Errorf("invalid report column %q", h)
		}
		seen[name] = true
		cols = append(cols, name)
		defs = append(defs, name+" TEXT NOT NULL")
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		row_id INTEGER PRIMARY KEY,
		%s
	);

	CREATE TABLE IF NOT EXISTS %s (
		generated_at TIMESTAMP NOT NULL,
		row_count INTEGER NOT NULL
	);
	`, rowsTable, strings.Join(defs, ",\n\t\t"), metadataTable)

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	db.columns = cols
	return nil
}

// SaveRows inserts all rows and the run metadata in one transaction
func (db *DB) SaveRows(rows [][]string, generatedAt time.Time) error {
	if db.columns == nil {
		return fmt.Errorf("schema not initialized")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(db.columns)), ", ")
	stmt, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		rowsTable, strings.Join(db.columns, ", "), placeholders,
	))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(db.columns))
	for i, row := range rows {
		if len(row) != len(db.columns) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(db.columns))
		}
		for j, v := range row {
			args[j] = v
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("failed to save row %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (generated_at, row_count) VALUES (?, ?)", metadataTable),
		generatedAt.UTC(), len(rows),
	); err != nil {
		return fmt.Errorf("failed to save report metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

// CountRows returns the number of stored report rows
func (db *DB) CountRows() (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + rowsTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// WriteReport builds a fresh database beside path and renames it over the
// destination once every row is committed.
func WriteReport(path string, headers []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary database: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	db, err := New(tmpName)
	if err != nil {
		return err
	}
	if err := db.Initialize(headers); err != nil {
		db.Close()
		return err
	}
	if err := db.SaveRows(rows, time.Now()); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move database into place: %w", err)
	}
	return nil
}
