package subscriptions_test

import (
	"context"
	"testing"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/subscriptions"
	"github.com/powersync-ja/powersync-sqlite-core/internal/testutil"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeCreatesExplicitSubscription(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "orders", all[0].StreamName)
	assert.True(t, all[0].HasExplicitSubscription)
	assert.False(t, all[0].IsDefault)
}

func TestSubscribeOnExistingDefaultBecomesExplicitToo(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, []wire.StreamDescription{
		{Name: "orders", IsDefault: true},
	}))

	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsDefault)
	assert.True(t, all[0].HasExplicitSubscription)
}

// An explicit subscription with a TTL is pruned once expires_at has
// passed and the stream is no longer in the active set.
func TestSubscriptionTTLExpiry(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ttl := int64(60)
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, &ttl))

	later := now.Add(2 * time.Minute)
	require.NoError(t, subscriptions.PruneExpired(ctx, db, logger, later, nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubscriptionTTLNotPrunedIfStillActive(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ttl := int64(60)
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, &ttl))

	later := now.Add(2 * time.Minute)
	require.NoError(t, subscriptions.PruneExpired(ctx, db, logger, later, []string{"orders"}))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUnsubscribeWithoutTTLDeletesNonDefault(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, nil))
	require.NoError(t, subscriptions.Unsubscribe(ctx, db, logger, "orders", nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUnsubscribeWithTTLKeepsRowInactive(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ttl := int64(60)
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, &ttl))
	require.NoError(t, subscriptions.Unsubscribe(ctx, db, logger, "orders", nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].HasExplicitSubscription)
}

func TestUnsubscribeDefaultStaysAsDefaultOnly(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, []wire.StreamDescription{
		{Name: "orders", IsDefault: true},
	}))
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, nil))
	require.NoError(t, subscriptions.Unsubscribe(ctx, db, logger, "orders", nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsDefault)
	assert.False(t, all[0].HasExplicitSubscription)
}

func TestApplyServerStreamsDropsUnreportedDefault(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()

	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, []wire.StreamDescription{
		{Name: "orders", IsDefault: true},
	}))
	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApplyServerStreamsDemotesExplicitDefault(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, []wire.StreamDescription{
		{Name: "orders", IsDefault: true},
	}))
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, nil))
	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, nil))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsDefault)
	assert.True(t, all[0].HasExplicitSubscription)
}

func TestExtendActiveRefreshesExpiry(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ttl := int64(60)
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "orders", nil, &ttl))

	later := now.Add(30 * time.Second)
	require.NoError(t, subscriptions.ExtendActive(ctx, db, later, []string{"orders"}))

	all, err := subscriptions.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].ExpiresAt)
	assert.True(t, all[0].ExpiresAt.After(now.Add(60*time.Second)))
}

func TestBuildRequestOnlyIncludesExplicitSubscriptions(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	logger := testutil.Logger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, subscriptions.ApplyServerStreams(ctx, db, logger, []wire.StreamDescription{
		{Name: "orders", IsDefault: true},
	}))
	require.NoError(t, subscriptions.Subscribe(ctx, db, logger, now, "invoices", nil, nil))

	req, err := subscriptions.BuildRequest(ctx, db)
	require.NoError(t, err)
	assert.True(t, req.IncludeDefaults)
	require.Len(t, req.Subscriptions, 1)
	assert.Equal(t, "invoices", req.Subscriptions[0].Stream)
}
