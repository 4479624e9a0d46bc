package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/langhook/langhook/pkg/models"
)

// UpsertSchemaEntry records a (publisher, resource_type, action) triple,
// bumping last_seen_at when it already exists.
func (s *Store) UpsertSchemaEntry(ctx context.Context, publisher, resourceType, action string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_registry (publisher, resource_type, action)
		VALUES ($1, $2, $3)
		ON CONFLICT (publisher, resource_type, action)
			DO UPDATE SET last_seen_at = now()`,
		publisher, resourceType, action,
	)
	if err != nil {
		return fmt.Errorf("upserting schema entry: %w", err)
	}
	return nil
}

// SchemaSummary aggregates the registry into the structured view served by
// the API and fed to subject-filter synthesis.
func (s *Store) SchemaSummary(ctx context.Context) (*models.SchemaSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT publisher, resource_type, action FROM schema_registry`)
	if err != nil {
		return nil, fmt.Errorf("querying schema registry: %w", err)
	}
	defer rows.Close()

	publishers := map[string]bool{}
	actions := map[string]bool{}
	resourceTypes := map[string]map[string]bool{}

	for rows.Next() {
		var pub, rt, action string
		if err := rows.Scan(&pub, &rt, &action); err != nil {
			return nil, fmt.Errorf("scanning schema entry: %w", err)
		}
		publishers[pub] = true
		actions[action] = true
		if resourceTypes[pub] == nil {
			resourceTypes[pub] = map[string]bool{}
		}
		resourceTypes[pub][rt] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary := &models.SchemaSummary{
		Publishers:    sortedKeys(publishers),
		Actions:       sortedKeys(actions),
		ResourceTypes: make(map[string][]string, len(resourceTypes)),
	}
	for pub, types := range resourceTypes {
		summary.ResourceTypes[pub] = sortedKeys(types)
	}
	return summary, nil
}

// DeleteSchemaPublisher removes every registry entry for a publisher.
func (s *Store) DeleteSchemaPublisher(ctx context.Context, publisher string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schema_registry WHERE publisher = $1`, publisher)
	if err != nil {
		return 0, fmt.Errorf("deleting schema publisher: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSchemaResourceType removes a publisher's resource type.
func (s *Store) DeleteSchemaResourceType(ctx context.Context, publisher, resourceType string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schema_registry WHERE publisher = $1 AND resource_type = $2`,
		publisher, resourceType)
	if err != nil {
		return 0, fmt.Errorf("deleting schema resource type: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSchemaAction removes one (publisher, resource_type, action) triple.
func (s *Store) DeleteSchemaAction(ctx context.Context, publisher, resourceType, action string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM schema_registry
		WHERE publisher = $1 AND resource_type = $2 AND action = $3`,
		publisher, resourceType, action)
	if err != nil {
		return 0, fmt.Errorf("deleting schema action: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
