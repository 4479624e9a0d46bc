package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/langhook/langhook/pkg/models"
)

// GateFilter narrows subscription event listings by gate outcome.
type GateFilter string

// Gate filter values.
const (
	GateAll     GateFilter = "all"
	GateAllowed GateFilter = "allowed"
	GateBlocked GateFilter = "blocked"
)

// InsertEventLog writes one canonical event observation.
func (s *Store) InsertEventLog(ctx context.Context, log *models.EventLog) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO event_logs
			(event_id, subject, publisher, resource_type, resource_id, action,
			 payload, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, logged_at`,
		log.EventID, log.Subject, log.Publisher, log.ResourceType,
		log.ResourceID, log.Action, []byte(log.Payload), log.EmittedAt,
	)
	if err := row.Scan(&log.ID, &log.LoggedAt); err != nil {
		return fmt.Errorf("inserting event log: %w", err)
	}
	return nil
}

// ListEventLogs returns event log rows newest first, optionally narrowed to
// a set of resource types.
func (s *Store) ListEventLogs(ctx context.Context, resourceTypes []string, page Page) ([]*models.EventLog, error) {
	page = page.Normalize()

	query := `
		SELECT id, event_id, subject, publisher, resource_type, resource_id,
		       action, payload, emitted_at, logged_at
		FROM event_logs`
	args := []any{}
	if len(resourceTypes) > 0 {
		placeholders := make([]string, len(resourceTypes))
		for i, rt := range resourceTypes {
			args = append(args, rt)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` WHERE resource_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += fmt.Sprintf(` ORDER BY logged_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing event logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.EventLog
	for rows.Next() {
		var log models.EventLog
		var payload []byte
		if err := rows.Scan(&log.ID, &log.EventID, &log.Subject, &log.Publisher,
			&log.ResourceType, &log.ResourceID, &log.Action, &payload,
			&log.EmittedAt, &log.LoggedAt); err != nil {
			return nil, fmt.Errorf("scanning event log: %w", err)
		}
		log.Payload = payload
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// InsertSubscriptionEventLog writes one (subscription, event) observation.
func (s *Store) InsertSubscriptionEventLog(ctx context.Context, log *models.SubscriptionEventLog) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscription_event_logs
			(subscription_id, event_id, subject, payload, gate_passed,
			 gate_reason, webhook_sent, webhook_response_status, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, logged_at`,
		log.SubscriptionID, log.EventID, log.Subject, []byte(log.Payload),
		log.GatePassed, log.GateReason, log.WebhookSent,
		log.WebhookResponseStatus, log.EmittedAt,
	)
	if err := row.Scan(&log.ID, &log.LoggedAt); err != nil {
		return fmt.Errorf("inserting subscription event log: %w", err)
	}
	return nil
}

// ListSubscriptionEvents returns one subscription's observations newest
// first, optionally narrowed by gate outcome. Blocked means the gate ran and
// said no; rows without a gate outcome only appear under GateAll or
// GateAllowed.
func (s *Store) ListSubscriptionEvents(ctx context.Context, subscriptionID int64, filter GateFilter, page Page) ([]*models.SubscriptionEventLog, error) {
	page = page.Normalize()

	query := `
		SELECT id, subscription_id, event_id, subject, payload, gate_passed,
		       gate_reason, webhook_sent, webhook_response_status, emitted_at,
		       logged_at
		FROM subscription_event_logs
		WHERE subscription_id = $1`
	switch filter {
	case GateAllowed:
		query += ` AND (gate_passed IS NULL OR gate_passed)`
	case GateBlocked:
		query += ` AND gate_passed = FALSE`
	case GateAll, "":
	default:
		return nil, fmt.Errorf("unknown gate filter %q", filter)
	}
	query += ` ORDER BY logged_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID, page.Size, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing subscription events: %w", err)
	}
	defer rows.Close()

	var logs []*models.SubscriptionEventLog
	for rows.Next() {
		var log models.SubscriptionEventLog
		var payload []byte
		if err := rows.Scan(&log.ID, &log.SubscriptionID, &log.EventID,
			&log.Subject, &payload, &log.GatePassed, &log.GateReason,
			&log.WebhookSent, &log.WebhookResponseStatus, &log.EmittedAt,
			&log.LoggedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription event log: %w", err)
		}
		log.Payload = payload
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}
