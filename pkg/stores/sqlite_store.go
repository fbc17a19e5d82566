package stores

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteHeader is the magic string at offset 0 of every SQLite 3 database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// createStoriesRebuild matches migrations/000001_create_stories.up.sql.
const createStoriesRebuild = `CREATE TABLE stories_rebuild (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    status INTEGER DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// requiredColumns must exist on the stories table of any file we serve from.
var requiredColumns = []string{"id", "title", "description", "status"}

// Options holds SQLite connection configuration
type Options struct {
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ReadOnly        bool
}

// DefaultOptions returns the connection settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:     5 * time.Second,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BusyTimeout == 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.MaxOpenConns == 0 {
		o.MaxOpenConns = d.MaxOpenConns
	}
	if o.MaxIdleConns == 0 {
		o.MaxIdleConns = d.MaxIdleConns
	}
	if o.ConnMaxLifetime == 0 {
		o.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return o
}

// dsn builds a file: URI so paths with reserved characters survive and
// mode=ro is honored by SQLite.
func dsn(path string, opts Options) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if opts.ReadOnly {
		q.Set("mode", "ro")
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: q.Encode()}
	return u.String(), nil
}

// Open opens the SQLite database at path and verifies the connection.
// The schema is not touched; call EnsureSchema for that.
func Open(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	opts = opts.withDefaults()

	name, err := dsn(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// EnsureSchema creates the stories table if it is missing and rebuilds a
// table from another schema variant (no created_at, or ids without
// AUTOINCREMENT) into the canonical one. It is safe to call on every open.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	columns, err := tableColumns(ctx, db, "stories")
	if err != nil {
		return err
	}
	autoinc, err := hasAutoincrement(ctx, db)
	if err != nil {
		return err
	}
	if !autoinc || !columns["created_at"] {
		if err := rebuildStories(ctx, db, columns["created_at"]); err != nil {
			return err
		}
	}

	return nil
}

// hasAutoincrement reports whether the stories table hands out ids with
// AUTOINCREMENT, which keeps ids of deleted rows from being reused.
func hasAutoincrement(ctx context.Context, db DBTX) (bool, error) {
	var ddl string
	err := db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'stories'`).Scan(&ddl)
	if err != nil {
		return false, fmt.Errorf("failed to read stories table definition: %w", err)
	}
	return strings.Contains(strings.ToUpper(ddl), "AUTOINCREMENT"), nil
}

// rebuildStories copies the stories table into the canonical layout. Rows
// keep their ids, and the id sequence never drops below what the old table
// already handed out. Rows without created_at keep a NULL timestamp.
func rebuildStories(ctx context.Context, db *sql.DB, hasCreatedAt bool) (err error) {
	createdAt := "NULL"
	if hasCreatedAt {
		createdAt = "created_at"
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema upgrade: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DROP TABLE IF EXISTS stories_rebuild`); err != nil {
		return fmt.Errorf("failed to clear schema upgrade table: %w", err)
	}
	if _, err = tx.ExecContext(ctx, createStoriesRebuild); err != nil {
		return fmt.Errorf("failed to create schema upgrade table: %w", err)
	}

	// sqlite_sequence exists from here on because stories_rebuild uses AUTOINCREMENT.
	var seq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT MAX(COALESCE((SELECT MAX(seq) FROM sqlite_sequence WHERE name = 'stories'), 0), COALESCE((SELECT MAX(id) FROM stories), 0))`,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read story id sequence: %w", err)
	}

	copyRows := fmt.Sprintf(`
		INSERT INTO stories_rebuild (id, title, description, status, created_at)
		SELECT id, title, description, status, %s FROM stories ORDER BY id
	`, createdAt)
	steps := []struct {
		query string
		args  []any
		what  string
	}{
		{copyRows, nil, "copy stories"},
		{`DROP TABLE stories`, nil, "drop old stories table"},
		{`ALTER TABLE stories_rebuild RENAME TO stories`, nil, "rename stories table"},
		{`DELETE FROM sqlite_sequence WHERE name = 'stories'`, nil, "reset story id sequence"},
		{`INSERT INTO sqlite_sequence (name, seq) VALUES ('stories', ?)`, []any{seq}, "set story id sequence"},
	}
	for _, step := range steps {
		if _, err = tx.ExecContext(ctx, step.query, step.args...); err != nil {
			return fmt.Errorf("failed to %s: %w", step.what, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema upgrade: %w", err)
	}
	return nil
}

// Snapshot writes a transactionally consistent copy of the database to dest.
// dest must not exist.
func Snapshot(ctx context.Context, db DBTX, dest string) error {
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// CheckFile verifies that path holds a readable SQLite database with a
// usable stories table. Every failure is a validation error: the file is a
// candidate, not the active database.
func CheckFile(ctx context.Context, path string) (*FileReport, error) {
	const op = "check file"

	info, err := os.Stat(path)
	if err != nil {
		return nil, NewIOError(op, "failed to stat database file", err)
	}
	if info.Size() < int64(len(sqliteHeader)) {
		return nil, NewValidationError(op, "file is too small to be a database", nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewIOError(op, "failed to open database file", err)
	}
	header := make([]byte, len(sqliteHeader))
	_, err = io.ReadFull(f, header)
	_ = f.Close()
	if err != nil {
		return nil, NewIOError(op, "failed to read database header", err)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return nil, NewValidationError(op, "file is not an SQLite database", nil)
	}

	db, err := Open(ctx, path, Options{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return nil, NewValidationError(op, "database cannot be opened", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return nil, NewValidationError(op, "integrity check failed", err)
	}
	if result != "ok" {
		return nil, NewValidationError(op, "integrity check failed", errors.New(result))
	}

	columns, err := tableColumns(ctx, db, "stories")
	if err != nil {
		return nil, NewValidationError(op, "failed to read stories table", err)
	}
	if len(columns) == 0 {
		return nil, NewValidationError(op, "database has no stories table", nil)
	}
	for _, c := range requiredColumns {
		if !columns[c] {
			return nil, NewValidationError(op, fmt.Sprintf("stories table is missing column %q", c), nil)
		}
	}

	report := &FileReport{
		Path:         path,
		Size:         info.Size(),
		HasCreatedAt: columns["created_at"],
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&report.Stories); err != nil {
		return nil, NewValidationError(op, "failed to count stories", err)
	}
	if err := checkRows(ctx, db); err != nil {
		return nil, NewValidationError(op, err.Error(), err)
	}

	return report, nil
}

// checkRows reads every story the way List does, so a file whose rows
// cannot be served is refused before it replaces anything.
func checkRows(ctx context.Context, db DBTX) error {
	var dupes int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(id) - COUNT(DISTINCT id) FROM stories`).Scan(&dupes); err != nil {
		return fmt.Errorf("failed to read story ids: %w", err)
	}
	if dupes > 0 {
		return fmt.Errorf("stories table has %d duplicate ids", dupes)
	}

	rows, err := db.QueryContext(ctx, `SELECT rowid, id, title, description, COALESCE(status, ?) FROM stories`, DefaultStatus)
	if err != nil {
		return fmt.Errorf("failed to read stories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowid, id          int64
			title, description string
			status             int
		)
		if err := rows.Scan(&rowid, &id, &title, &description, &status); err != nil {
			return fmt.Errorf("story row %d is unreadable: %w", rowid, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating stories: %w", err)
	}
	return nil
}

// tableColumns returns the column names of table; empty if it does not exist.
func tableColumns(ctx context.Context, db DBTX, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns[name] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}

	return columns, nil
}

// HealthCheck verifies the database connection is healthy
func HealthCheck(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	return db.PingContext(ctx)
}
