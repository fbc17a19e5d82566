// Package stores provides the persistence layer for Storyboard.
// It owns the SQLite schema for story records, the story CRUD operations
// that run against a borrowed database handle, and the file-level helpers
// (open, snapshot, candidate-file checks) used when the database file is
// exported or replaced.
package stores
