package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/langhook/langhook/pkg/models"
)

// CreateSubscription inserts a subscription and fills in its ID and
// CreatedAt.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	channel, err := json.Marshal(sub.Channel)
	if err != nil {
		return fmt.Errorf("encoding channel config: %w", err)
	}
	var gate []byte
	if sub.Gate != nil {
		gate, err = json.Marshal(sub.Gate)
		if err != nil {
			return fmt.Errorf("encoding gate config: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions
			(subscriber_id, description, pattern, channel_type, channel_config,
			 gate_config, disposable, active, used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		sub.SubscriberID, sub.Description, sub.Pattern, string(sub.ChannelType),
		channel, nullableJSON(gate), sub.Disposable, sub.Active, sub.Used,
	)
	if err := row.Scan(&sub.ID, &sub.CreatedAt); err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// GetSubscription loads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, subscriptionColumns+` WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return sub, err
}

// ListSubscriptions returns one subscriber's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, subscriberID string, page Page) ([]*models.Subscription, error) {
	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, subscriptionColumns+`
		WHERE subscriber_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		subscriberID, page.Size, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListActiveSubscriptions returns every active subscription. The dispatch
// manager binds a consumer for each at startup.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, subscriptionColumns+` WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscription persists the mutable fields of a subscription and
// refreshes updated_at.
func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	channel, err := json.Marshal(sub.Channel)
	if err != nil {
		return fmt.Errorf("encoding channel config: %w", err)
	}
	var gate []byte
	if sub.Gate != nil {
		gate, err = json.Marshal(sub.Gate)
		if err != nil {
			return fmt.Errorf("encoding gate config: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET
			description = $2, pattern = $3, channel_type = $4,
			channel_config = $5, gate_config = $6, disposable = $7,
			active = $8, used = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		sub.ID, sub.Description, sub.Pattern, string(sub.ChannelType),
		channel, nullableJSON(gate), sub.Disposable, sub.Active, sub.Used,
	)
	if err := row.Scan(&sub.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("subscription %d: %w", sub.ID, ErrNotFound)
		}
		return fmt.Errorf("updating subscription %d: %w", sub.ID, err)
	}
	return nil
}

// DeleteSubscription removes a subscription and, through the cascade, its
// event log rows.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

const subscriptionColumns = `
	SELECT id, subscriber_id, description, pattern, channel_type,
	       channel_config, gate_config, disposable, active, used,
	       created_at, updated_at
	FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub     models.Subscription
		channel []byte
		gate    []byte
		ctype   string
	)
	err := row.Scan(
		&sub.ID, &sub.SubscriberID, &sub.Description, &sub.Pattern, &ctype,
		&channel, &gate, &sub.Disposable, &sub.Active, &sub.Used,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	sub.ChannelType = models.ChannelType(ctype)
	if err := json.Unmarshal(channel, &sub.Channel); err != nil {
		return nil, fmt.Errorf("decoding channel config: %w", err)
	}
	if len(gate) > 0 {
		sub.Gate = &models.GateConfig{}
		if err := json.Unmarshal(gate, sub.Gate); err != nil {
			return nil, fmt.Errorf("decoding gate config: %w", err)
		}
	}
	return &sub, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
