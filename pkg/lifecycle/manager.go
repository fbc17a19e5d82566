// Package lifecycle owns the active Storyboard database handle. It lends the
// handle to story operations one call at a time, exports consistent
// snapshots of the database file, and swaps in uploaded replacement files.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyboard/storyboard/pkg/stores"
	"github.com/storyboard/storyboard/pkg/telemetry"
)

// State is the lifecycle state of the active database handle.
type State int32

const (
	StateClosed State = iota
	StateActive
	StateSwapping
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateActive:
		return "active"
	case StateSwapping:
		return "swapping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Swap results recorded in metrics.
const (
	SwapResultSuccess    = "success"
	SwapResultRejected   = "rejected"
	SwapResultRolledBack = "rolled_back"
	SwapResultFatal      = "fatal"
	SwapResultIOError    = "io_error"
)

// Config holds database lifecycle configuration
type Config struct {
	// Path is the location of the active database file.
	Path string

	// FileMode is applied to the database file after open and after every swap.
	FileMode os.FileMode

	// SwapTimeout bounds a whole replace sequence.
	SwapTimeout time.Duration

	// KeepBackup keeps the replaced file as Path+".bak" so a failed swap can roll back.
	KeepBackup bool

	// Watch logs changes to the database file made by other processes.
	Watch bool

	// Options are the SQLite connection settings.
	Options stores.Options
}

// DefaultConfig returns the lifecycle defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		FileMode:    0o644,
		SwapTimeout: 30 * time.Second,
		KeepBackup:  true,
		Options:     stores.DefaultOptions(),
	}
}

// SwapResult describes a completed replace.
type SwapResult struct {
	Stories  int           `json:"stories"`
	Bytes    int64         `json:"bytes"`
	Backup   string        `json:"backup,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records swap and export metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTracer starts spans for exports and swaps on t.
func WithTracer(t *telemetry.Tracer) Option {
	return func(mgr *Manager) { mgr.tracer = t }
}

// Manager owns the active database handle.
//
// Story operations and exports hold the read lock for their duration; a
// swap holds the write lock, so requests arriving during a swap wait for
// it and then see either the new handle or the failed state.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu    sync.RWMutex
	db    *sql.DB
	state atomic.Int32

	// lastSwap is the unix-nano time the active file was last replaced by us.
	lastSwap atomic.Int64
	watcher  *Watcher

	// afterStep runs after each swap step is announced; tests use it.
	afterStep func(step string)
}

// NewManager creates a manager for cfg. Call Open before use.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.SwapTimeout <= 0 {
		cfg.SwapTimeout = 30 * time.Second
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "db-lifecycle").Str("path", cfg.Path).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Path returns the active database file path.
func (m *Manager) Path() string {
	return m.cfg.Path
}

// State returns the current lifecycle state without blocking.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Database state changed")
	}
}

// Open opens the configured database file, creating it and the schema if
// needed, and enters the active state.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateActive {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.Path), 0o755); err != nil {
		return stores.NewIOError("open", "failed to create database directory", err)
	}

	db, err := m.openHandle(ctx)
	if err != nil {
		return err
	}

	m.db = db
	m.setState(StateActive)

	if m.cfg.Watch && m.watcher == nil {
		w, err := NewWatcher(m, m.logger)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to watch database file")
		} else {
			m.watcher = w
		}
	}

	m.logger.Info().Msg("Database opened")
	return nil
}

// openHandle opens the file at cfg.Path, ensures the schema and applies the file mode.
func (m *Manager) openHandle(ctx context.Context) (*sql.DB, error) {
	db, err := stores.Open(ctx, m.cfg.Path, m.cfg.Options)
	if err != nil {
		return nil, stores.NewStorageError("open", "failed to open database", err)
	}

	if err := stores.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, stores.NewStorageError("open", "failed to ensure schema", err)
	}

	if err := os.Chmod(m.cfg.Path, m.cfg.FileMode); err != nil {
		_ = db.Close()
		return nil, stores.NewIOError("open", "failed to set database file mode", err)
	}

	return db, nil
}

// Close closes the active handle and stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}

	var err error
	if m.db != nil {
		err = m.db.Close()
		m.db = nil
	}
	m.setState(StateClosed)
	return err
}

// WithHandle lends the active handle to fn. fn must not retain it.
func (m *Manager) WithHandle(ctx context.Context, fn func(db *sql.DB) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st := m.State(); st != StateActive || m.db == nil {
		return stores.NewUnavailableError("with handle", fmt.Sprintf("database is %s", st), nil)
	}
	if err := ctx.Err(); err != nil {
		return stores.NewUnavailableError("with handle", "request cancelled", err)
	}

	return fn(m.db)
}

// HealthCheck pings the active handle.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.WithHandle(ctx, func(db *sql.DB) error {
		return stores.HealthCheck(ctx, db)
	})
}

// Export is a consistent snapshot of the active database ready to stream.
type Export struct {
	File    *os.File
	Size    int64
	ModTime time.Time
	dir     string
}

// Close closes and removes the snapshot.
func (e *Export) Close() error {
	err := e.File.Close()
	if rmErr := os.RemoveAll(e.dir); err == nil {
		err = rmErr
	}
	return err
}

// OpenExport snapshots the active database into a temporary file and opens
// it for reading. The active file and its permissions are never modified.
func (m *Manager) OpenExport(ctx context.Context) (exp *Export, err error) {
	const op = "export"

	ctx, span := m.tracer.StartSpan(ctx, "db.export", telemetry.AttrDBPath.String(m.cfg.Path))
	defer func() {
		m.metrics.RecordExport(err)
		telemetry.EndSpan(span, err)
	}()

	dir, err := os.MkdirTemp("", "storyboard-export-*")
	if err != nil {
		return nil, stores.NewIOError(op, "failed to create snapshot directory", err)
	}
	snapshot := filepath.Join(dir, filepath.Base(m.cfg.Path))

	err = m.WithHandle(ctx, func(db *sql.DB) error {
		return stores.Snapshot(ctx, db, snapshot)
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		if stores.IsUnavailable(err) {
			return nil, err
		}
		return nil, stores.NewIOError(op, "failed to read database", err)
	}

	f, err := os.Open(snapshot)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, stores.NewIOError(op, "failed to open snapshot", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = os.RemoveAll(dir)
		return nil, stores.NewIOError(op, "failed to stat snapshot", err)
	}

	span.SetAttributes(telemetry.AttrDBBytes.Int64(info.Size()))
	m.logger.Info().Int64("bytes", info.Size()).Msg("Database snapshot created")

	return &Export{File: f, Size: info.Size(), ModTime: info.ModTime(), dir: dir}, nil
}

// ExportCurrent writes a consistent snapshot of the active database to w.
func (m *Manager) ExportCurrent(ctx context.Context, w io.Writer) (int64, error) {
	exp, err := m.OpenExport(ctx)
	if err != nil {
		return 0, err
	}
	defer exp.Close()

	n, err := io.Copy(w, exp.File)
	if err != nil {
		return n, stores.NewIOError("export", "failed to write snapshot", err)
	}
	return n, nil
}

// ExportToFile writes a consistent snapshot of the active database to dest.
func (m *Manager) ExportToFile(ctx context.Context, dest string) (int64, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, m.cfg.FileMode)
	if err != nil {
		return 0, stores.NewIOError("export", "failed to create output file", err)
	}

	n, err := m.ExportCurrent(ctx, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = stores.NewIOError("export", "failed to close output file", closeErr)
	}
	return n, err
}

// ReplaceFromFile replaces the active database with the file at src.
func (m *Manager) ReplaceFromFile(ctx context.Context, src string) (*SwapResult, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, stores.NewIOError("replace", "failed to open replacement file", err)
	}
	defer f.Close()

	return m.ReplaceWith(ctx, f)
}

// ReplaceWith replaces the active database file with the bytes read from r
// and reopens it.
//
// The bytes are staged and checked before anything is touched, so a
// rejected file leaves the active database as it was. Once the current
// handle is closed, a failure rolls back to the previous file when a backup
// is kept; if that also fails the error is fatal and the manager stays in
// the failed state until a valid replacement succeeds.
func (m *Manager) ReplaceWith(ctx context.Context, r io.Reader) (res *SwapResult, err error) {
	const op = "replace"

	timer := telemetry.NewTimer()
	result := SwapResultSuccess

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SwapTimeout)
	defer cancel()

	ctx, span := m.tracer.StartSpan(ctx, "db.replace", telemetry.AttrDBPath.String(m.cfg.Path))
	defer func() {
		m.metrics.RecordSwap(result, timer.Duration())
		telemetry.EndSpan(span, err)
	}()

	staged, size, err := m.stage(ctx, r)
	if err != nil {
		result = SwapResultIOError
		return nil, err
	}
	defer os.Remove(staged)
	telemetry.AddEvent(span, "staged", telemetry.AttrDBBytes.Int64(size))

	report, err := stores.CheckFile(ctx, staged)
	if err != nil {
		result = SwapResultRejected
		if stores.IsValidation(err) {
			m.logger.Warn().Err(err).Int64("bytes", size).Msg("Rejected replacement database")
		}
		return nil, err
	}
	telemetry.AddEvent(span, "validated", telemetry.AttrDBStories.Int(report.Stories))

	if err := ctx.Err(); err != nil {
		result = SwapResultIOError
		return nil, stores.NewIOError(op, "replace timed out before swap", err)
	}

	// From here the swap runs to success or rollback even if the caller goes away.
	ctx, swapCancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SwapTimeout)
	defer swapCancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setState(StateSwapping)
	m.logger.Info().Int("stories", report.Stories).Int64("bytes", size).Msg("Swapping database file")

	backup, installed, swapErr := m.swapLocked(ctx, staged, span)
	if swapErr == nil {
		m.lastSwap.Store(time.Now().UnixNano())
		m.setState(StateActive)
		res = &SwapResult{
			Stories:  report.Stories,
			Bytes:    size,
			Backup:   backup,
			Duration: timer.Duration(),
		}
		m.logger.Info().
			Int("stories", res.Stories).
			Dur("duration", res.Duration).
			Msg("Database replaced")
		return res, nil
	}

	rbErr := m.rollbackLocked(ctx, backup, installed)
	m.lastSwap.Store(time.Now().UnixNano())
	if rbErr == nil {
		result = SwapResultRolledBack
		m.setState(StateActive)
		m.logger.Warn().Err(swapErr).Msg("Database swap failed, previous database restored")
		return nil, swapErr
	}

	result = SwapResultFatal
	m.db = nil
	m.setState(StateFailed)
	m.logger.Error().
		Err(swapErr).
		AnErr("rollback_error", rbErr).
		Msg("Database swap failed and could not be rolled back; no database is active")
	return nil, stores.NewFatalSwapError(op, "database handle is unusable after a failed swap; upload a valid database to recover", errors.Join(swapErr, rbErr))
}

// stage copies r into a temporary file next to the active database so the
// final rename stays on one filesystem.
func (m *Manager) stage(ctx context.Context, r io.Reader) (string, int64, error) {
	const op = "replace"

	dir := filepath.Dir(m.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, stores.NewIOError(op, "failed to create database directory", err)
	}

	name := filepath.Join(dir, fmt.Sprintf(".%s.upload-%s", filepath.Base(m.cfg.Path), uuid.NewString()))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, stores.NewIOError(op, "failed to create staging file", err)
	}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", 0, stores.NewIOError(op, "failed to write staging file", err)
	}

	return name, n, nil
}

// swapLocked performs the destructive part of a replace. It returns the
// backup path, if one was taken, and whether the staged file reached the
// active path, even on failure.
func (m *Manager) swapLocked(ctx context.Context, staged string, span trace.Span) (string, bool, error) {
	const op = "replace"
	step := func(name string) {
		m.logger.Debug().Str("step", name).Msg("Swap step")
		telemetry.AddEvent(span, "swap step", telemetry.AttrSwapStep.String(name))
		if m.afterStep != nil {
			m.afterStep(name)
		}
	}

	step("close")
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.db = nil
			return "", false, stores.NewStorageError(op, "failed to close current database", err)
		}
		m.db = nil
	}
	removeSidecars(m.cfg.Path)

	var backup string
	if m.cfg.KeepBackup && fileExists(m.cfg.Path) {
		step("backup")
		backup = m.cfg.Path + ".bak"
		if err := os.Rename(m.cfg.Path, backup); err != nil {
			return "", false, stores.NewIOError(op, "failed to keep previous database", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return backup, false, stores.NewIOError(op, "replace timed out", err)
	}

	step("install")
	if err := os.Rename(staged, m.cfg.Path); err != nil {
		return backup, false, stores.NewIOError(op, "failed to install replacement database", err)
	}

	step("reopen")
	db, err := m.openHandle(ctx)
	if err != nil {
		return backup, true, err
	}
	m.db = db
	return backup, true, nil
}

// rollbackLocked brings the previous database back after a failed swap.
// Without a backup it can only reopen a file that was never replaced.
func (m *Manager) rollbackLocked(ctx context.Context, backup string, installed bool) error {
	if backup == "" && installed {
		return errors.New("no previous database to restore")
	}

	// The swap context may be what expired; rollback gets its own budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SwapTimeout)
	defer cancel()

	if m.db != nil {
		_ = m.db.Close()
		m.db = nil
	}
	removeSidecars(m.cfg.Path)

	if backup != "" {
		if err := os.Rename(backup, m.cfg.Path); err != nil {
			return fmt.Errorf("failed to restore previous database: %w", err)
		}
	}

	db, err := m.openHandle(ctx)
	if err != nil {
		return fmt.Errorf("failed to reopen previous database: %w", err)
	}
	m.db = db
	return nil
}

// recentlySwapped reports whether we replaced the file within window.
func (m *Manager) recentlySwapped(window time.Duration) bool {
	last := m.lastSwap.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < window
}

// removeSidecars deletes journal files left next to path so they cannot be
// replayed into a different database file.
func removeSidecars(path string) {
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
