package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/store"
	"github.com/langhook/langhook/test/util"
)

func TestSubscriptionLifecycle(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := store.New(db)
	ctx := context.Background()

	sub := &models.Subscription{
		SubscriberID: "default",
		Description:  "Notify me when PR 1374 is approved",
		Pattern:      "langhook.events.github.pull_request.1374.update",
		ChannelType:  models.ChannelWebhook,
		Channel:      models.ChannelConfig{URL: "https://example.com/hook"},
		Gate: &models.GateConfig{
			Prompt:         "default",
			Threshold:      0.8,
			FailoverPolicy: models.FailClosed,
		},
		Active: true,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	assert.NotZero(t, sub.ID)
	assert.False(t, sub.CreatedAt.IsZero())

	loaded, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Description, loaded.Description)
	assert.Equal(t, sub.Pattern, loaded.Pattern)
	assert.Equal(t, models.ChannelWebhook, loaded.ChannelType)
	assert.Equal(t, "https://example.com/hook", loaded.Channel.URL)
	require.NotNil(t, loaded.Gate)
	assert.InDelta(t, 0.8, loaded.Gate.Threshold, 1e-9)
	assert.Equal(t, models.FailClosed, loaded.Gate.FailoverPolicy)

	loaded.Description = "updated"
	loaded.Active = false
	require.NoError(t, s.UpdateSubscription(ctx, loaded))
	require.NotNil(t, loaded.UpdatedAt)

	again, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", again.Description)
	assert.False(t, again.Active)

	active, err := s.ListActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	_, err = s.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSubscription(ctx, sub.ID), store.ErrNotFound)
}

func TestSubscriptionWithoutGate(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := store.New(db)
	ctx := context.Background()

	sub := &models.Subscription{
		SubscriberID: "default",
		Description:  "all github events",
		Pattern:      "langhook.events.github.>",
		ChannelType:  models.ChannelNone,
		Active:       true,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	loaded, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Gate)
	assert.False(t, loaded.HasGate())
}

func TestMappingUpsert(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := store.New(db)
	ctx := context.Background()

	m := &models.IngestMapping{
		Fingerprint: "abc123",
		Publisher:   "github",
		Expression:  `{id: .pull_request.id}`,
		Source:      models.MappingSynthesized,
	}
	require.NoError(t, s.UpsertMapping(ctx, m))
	assert.False(t, m.CreatedAt.IsZero())
	assert.Nil(t, m.UpdatedAt)

	loaded, err := s.GetMapping(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, m.Expression, loaded.Expression)
	assert.Empty(t, loaded.EventFieldExpressions)

	m.Expression = `{id: .number}`
	m.EventFieldExpressions = []string{".action"}
	require.NoError(t, s.UpsertMapping(ctx, m))
	require.NotNil(t, m.UpdatedAt)

	loaded, err = s.GetMapping(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, `{id: .number}`, loaded.Expression)
	assert.Equal(t, []string{".action"}, loaded.EventFieldExpressions)

	_, err = s.GetMapping(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSchemaRegistry(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := store.New(db)
	ctx := context.Background()

	require.NoError(t, s.UpsertSchemaEntry(ctx, "github", "pull_request", "create"))
	require.NoError(t, s.UpsertSchemaEntry(ctx, "github", "pull_request", "update"))
	require.NoError(t, s.UpsertSchemaEntry(ctx, "github", "issue", "create"))
	require.NoError(t, s.UpsertSchemaEntry(ctx, "stripe", "payment_intent", "create"))
	// Re-upsert only bumps last_seen_at.
	require.NoError(t, s.UpsertSchemaEntry(ctx, "github", "pull_request", "create"))

	summary, err := s.SchemaSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "stripe"}, summary.Publishers)
	assert.Equal(t, []string{"create", "update"}, summary.Actions)
	assert.Equal(t, []string{"issue", "pull_request"}, summary.ResourceTypes["github"])
	assert.Equal(t, []string{"payment_intent"}, summary.ResourceTypes["stripe"])

	n, err := s.DeleteSchemaAction(ctx, "github", "pull_request", "update")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.DeleteSchemaResourceType(ctx, "github", "issue")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.DeleteSchemaPublisher(ctx, "github")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	summary, err = s.SchemaSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stripe"}, summary.Publishers)
}

func TestEventLogs(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := store.New(db)
	ctx := context.Background()

	for i, rt := range []string{"pull_request", "issue", "pull_request"} {
		log := &models.EventLog{
			EventID:      "evt-" + string(rune('a'+i)),
			Subject:      "langhook.events.github." + rt + ".1.create",
			Publisher:    "github",
			ResourceType: rt,
			ResourceID:   "1",
			Action:       "create",
			Payload:      json.RawMessage(`{"n":1}`),
			EmittedAt:    time.Now().UTC(),
		}
		require.NoError(t, s.InsertEventLog(ctx, log))
		assert.NotZero(t, log.ID)
	}

	all, err := s.ListEventLogs(ctx, nil, store.Page{Size: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	prs, err := s.ListEventLogs(ctx, []string{"pull_request"}, store.Page{Size: 10})
	require.NoError(t, err)
	assert.Len(t, prs, 2)

	paged, err := s.ListEventLogs(ctx, nil, store.Page{Size: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestSubscriptionEventLogsGateFilter(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := store.New(db)
	ctx := context.Background()

	sub := &models.Subscription{
		SubscriberID: "default",
		Description:  "d",
		Pattern:      "langhook.events.github.>",
		ChannelType:  models.ChannelNone,
		Active:       true,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	passed, blocked := true, false
	entries := []*models.SubscriptionEventLog{
		{GatePassed: &passed},
		{GatePassed: &blocked, GateReason: "not relevant"},
		{GatePassed: nil},
	}
	for i, e := range entries {
		e.SubscriptionID = sub.ID
		e.EventID = "evt-" + string(rune('a'+i))
		e.Subject = "langhook.events.github.pull_request.1.update"
		e.Payload = json.RawMessage(`{}`)
		e.EmittedAt = time.Now().UTC()
		require.NoError(t, s.InsertSubscriptionEventLog(ctx, e))
	}

	all, err := s.ListSubscriptionEvents(ctx, sub.ID, store.GateAll, store.Page{Size: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	allowed, err := s.ListSubscriptionEvents(ctx, sub.ID, store.GateAllowed, store.Page{Size: 10})
	require.NoError(t, err)
	assert.Len(t, allowed, 2)

	blockedRows, err := s.ListSubscriptionEvents(ctx, sub.ID, store.GateBlocked, store.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, blockedRows, 1)
	assert.Equal(t, "not relevant", blockedRows[0].GateReason)

	_, err = s.ListSubscriptionEvents(ctx, sub.ID, "bogus", store.Page{})
	assert.Error(t, err)

	// Deleting the subscription cascades to its log rows.
	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	rows, err := s.ListSubscriptionEvents(ctx, sub.ID, store.GateAll, store.Page{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
