package stores

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// DefaultStatus is the status stored when none is given or it cannot be parsed.
const DefaultStatus = 1

// Story represents a tracked story record
type Story struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      int       `json:"status"`
	CreatedAt   time.Time `json:"created_at"` // zero for rows from the legacy schema
}

// StoryInput carries the mutable fields of a story for insert and update
type StoryInput struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description" validate:"required"`
	Status      int    `json:"status"`
}

// DBTX is the subset of *sql.DB and *sql.Tx the story operations need.
// Callers lend a handle per call; the store never keeps it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ParseStatus coerces a raw status value to an integer.
// It reports false when the value was present but not an integer, in which
// case DefaultStatus is returned.
func ParseStatus(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultStatus, true
	}
	status, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultStatus, false
	}
	return status, true
}

// FileReport describes a database file that passed CheckFile
type FileReport struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Stories      int    `json:"stories"`
	HasCreatedAt bool   `json:"has_created_at"`
}
