package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/langhook/langhook/pkg/models"
)

// GetMapping loads the ingest mapping cached for a fingerprint.
func (s *Store) GetMapping(ctx context.Context, fingerprint string) (*models.IngestMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, publisher, expression, event_field_expressions,
		       source, created_at, updated_at
		FROM ingest_mappings WHERE fingerprint = $1`,
		fingerprint,
	)
	var (
		m      models.IngestMapping
		fields []byte
		source string
	)
	err := row.Scan(&m.Fingerprint, &m.Publisher, &m.Expression, &fields,
		&source, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading mapping: %w", err)
	}
	m.Source = models.MappingSource(source)
	if err := json.Unmarshal(fields, &m.EventFieldExpressions); err != nil {
		return nil, fmt.Errorf("decoding event field expressions: %w", err)
	}
	return &m, nil
}

// UpsertMapping stores a mapping keyed by fingerprint, replacing any
// previous expression for the same structure.
func (s *Store) UpsertMapping(ctx context.Context, m *models.IngestMapping) error {
	fields, err := json.Marshal(m.EventFieldExpressions)
	if err != nil {
		return fmt.Errorf("encoding event field expressions: %w", err)
	}
	if m.EventFieldExpressions == nil {
		fields = []byte(`[]`)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ingest_mappings
			(fingerprint, publisher, expression, event_field_expressions, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
			publisher = EXCLUDED.publisher,
			expression = EXCLUDED.expression,
			event_field_expressions = EXCLUDED.event_field_expressions,
			source = EXCLUDED.source,
			updated_at = now()
		RETURNING created_at, updated_at`,
		m.Fingerprint, m.Publisher, m.Expression, fields, string(m.Source),
	)
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("upserting mapping: %w", err)
	}
	return nil
}

// DeleteMapping removes a cached mapping.
func (s *Store) DeleteMapping(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_mappings WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("deleting mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mapping %s: %w", fingerprint, ErrNotFound)
	}
	return nil
}
