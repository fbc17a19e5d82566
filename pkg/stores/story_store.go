package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// timestampLayouts are the text forms SQLite and older clients store in created_at.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05Z07:00",
	time.RFC3339Nano,
}

// StoryStore implements story CRUD against whatever handle the caller lends it.
type StoryStore struct {
	validator *validator.Validate
}

// NewStoryStore creates a new story store.
func NewStoryStore() *StoryStore {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &StoryStore{validator: v}
}

// Validate checks the required fields of a story input.
func (s *StoryStore) Validate(in StoryInput) error {
	err := s.validator.Struct(in)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError("validate story", "invalid story", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return NewValidationError("validate story", strings.Join(msgs, ", "), nil)
}

// List returns every story in insertion order.
func (s *StoryStore) List(ctx context.Context, db DBTX) ([]*Story, error) {
	query := `
		SELECT id, title, description, COALESCE(status, ?), COALESCE(CAST(created_at AS TEXT), '')
		FROM stories
		ORDER BY id ASC
	`

	rows, err := db.QueryContext(ctx, query, DefaultStatus)
	if err != nil {
		return nil, NewStorageError("list stories", "failed to list stories", err)
	}
	defer rows.Close()

	stories := []*Story{}
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, NewStorageError("list stories", "failed to scan story", err)
		}
		stories = append(stories, story)
	}

	if err := rows.Err(); err != nil {
		return nil, NewStorageError("list stories", "error iterating stories", err)
	}

	return stories, nil
}

// Get retrieves a story by ID
func (s *StoryStore) Get(ctx context.Context, db DBTX, id int64) (*Story, error) {
	query := `
		SELECT id, title, description, COALESCE(status, ?), COALESCE(CAST(created_at AS TEXT), '')
		FROM stories
		WHERE id = ?
	`

	story, err := scanStory(db.QueryRowContext(ctx, query, DefaultStatus, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStorageError("get story", fmt.Sprintf("story %d", id), ErrStoryNotFound)
	}
	if err != nil {
		return nil, NewStorageError("get story", "failed to get story", err)
	}

	return story, nil
}

// Insert creates a new story and returns it with its assigned ID.
func (s *StoryStore) Insert(ctx context.Context, db DBTX, in StoryInput) (*Story, error) {
	if err := s.Validate(in); err != nil {
		return nil, err
	}

	query := `INSERT INTO stories (title, description, status) VALUES (?, ?, ?)`

	result, err := db.ExecContext(ctx, query, in.Title, in.Description, in.Status)
	if err != nil {
		return nil, NewStorageError("insert story", "failed to insert story", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return nil, NewStorageError("insert story", "failed to get story ID", err)
	}

	return s.Get(ctx, db, id)
}

// Update replaces the title, description and status of a story.
// An id with no row is a no-op and still succeeds.
func (s *StoryStore) Update(ctx context.Context, db DBTX, id int64, in StoryInput) error {
	if err := s.Validate(in); err != nil {
		return err
	}

	query := `
		UPDATE stories
		SET title = ?, description = ?, status = ?
		WHERE id = ?
	`

	if _, err := db.ExecContext(ctx, query, in.Title, in.Description, in.Status, id); err != nil {
		return NewStorageError("update story", "failed to update story", err)
	}

	return nil
}

// Delete removes a story by ID. A missing row is not an error.
func (s *StoryStore) Delete(ctx context.Context, db DBTX, id int64) error {
	query := `DELETE FROM stories WHERE id = ?`

	if _, err := db.ExecContext(ctx, query, id); err != nil {
		return NewStorageError("delete story", "failed to delete story", err)
	}

	return nil
}

// Count returns the number of stories.
func (s *StoryStore) Count(ctx context.Context, db DBTX) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&n); err != nil {
		return 0, NewStorageError("count stories", "failed to count stories", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (*Story, error) {
	story := &Story{}
	var createdAt string
	if err := row.Scan(
		&story.ID,
		&story.Title,
		&story.Description,
		&story.Status,
		&createdAt,
	); err != nil {
		return nil, err
	}
	story.CreatedAt = parseTimestamp(createdAt)
	return story, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
