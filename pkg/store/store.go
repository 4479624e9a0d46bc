// Package store implements the registry persistence layer: subscriptions,
// ingest mappings, the schema registry, and the event logs. All queries go
// through a shared *sql.DB opened by pkg/database.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MaxPageSize caps list page sizes. Larger requests are clamped, not
// rejected.
const MaxPageSize = 200

// Store provides registry persistence.
type Store struct {
	db *sql.DB
}

// New creates a Store on an open database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Page describes offset pagination for list queries.
type Page struct {
	Offset int
	Size   int
}

// Normalize applies the default and maximum page size.
func (p Page) Normalize() Page {
	if p.Size <= 0 {
		p.Size = 50
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
