package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	historyrepo "github.com/fitloop/cadence/internal/changehistory/repository"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newHistoryEnv(t *testing.T) (changedomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&changedomain.Entry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  historyrepo.Provide(),
	})
	return svc, db, node
}

func TestRecord(t *testing.T) {
	svc, db, node := newHistoryEnv(t)
	ctx := context.Background()
	subID := node.Generate()

	t.Run("persists diffs and defaults", func(t *testing.T) {
		err := svc.Record(ctx, nil, changedomain.Record{
			SubscriptionID: subID.String(),
			Kind:           "subscription.frozen",
			Diffs: []changedomain.FieldDiff{
				{Field: "status", Before: "ACTIVE", After: "FROZEN"},
			},
		})
		require.NoError(t, err)

		var stored changedomain.Entry
		require.NoError(t, db.First(&stored, "subscription_id = ?", subID).Error)
		assert.Equal(t, "subscription.frozen", stored.Kind)
		assert.Equal(t, "system", stored.ActorType)
		assert.Equal(t, changedomain.OutcomeApplied, stored.Outcome)

		// The id's timestamp half comes from the injected clock, not the wall.
		parsed, err := ulid.Parse(stored.ID)
		require.NoError(t, err)
		assert.Equal(t, ulid.Timestamp(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), parsed.Time())

		var diffs []changedomain.FieldDiff
		require.NoError(t, json.Unmarshal(stored.Diffs, &diffs))
		require.Len(t, diffs, 1)
		assert.Equal(t, "status", diffs[0].Field)
		assert.Equal(t, "FROZEN", diffs[0].After)
	})

	t.Run("rejects garbage subscription ids", func(t *testing.T) {
		err := svc.Record(ctx, nil, changedomain.Record{SubscriptionID: "nope", Kind: "x"})
		assert.ErrorIs(t, err, changedomain.ErrInvalidSubscription)

		err = svc.Record(ctx, nil, changedomain.Record{SubscriptionID: "0", Kind: "x"})
		assert.ErrorIs(t, err, changedomain.ErrInvalidSubscription)
	})

	t.Run("rejects empty kind", func(t *testing.T) {
		err := svc.Record(ctx, nil, changedomain.Record{SubscriptionID: subID.String(), Kind: "  "})
		assert.ErrorIs(t, err, changedomain.ErrInvalidKind)
	})
}

func TestListBySubscriptionPaginates(t *testing.T) {
	svc, _, node := newHistoryEnv(t)
	ctx := context.Background()
	subID := node.Generate()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, nil, changedomain.Record{
			SubscriptionID: subID.String(),
			Kind:           fmt.Sprintf("change.%d", i),
		}))
	}
	// Another subscription's entries must never leak into the listing.
	require.NoError(t, svc.Record(ctx, nil, changedomain.Record{
		SubscriptionID: node.Generate().String(),
		Kind:           "change.other",
	}))

	seen := map[string]bool{}
	token := ""
	pages := 0
	for {
		resp, err := svc.ListBySubscription(ctx, changedomain.ListRequest{
			SubscriptionID: subID.String(),
			PageToken:      token,
			PageSize:       2,
		})
		require.NoError(t, err)
		require.LessOrEqual(t, len(resp.Entries), 2)
		for _, entry := range resp.Entries {
			assert.Equal(t, subID, entry.SubscriptionID)
			assert.False(t, seen[entry.ID], "entry %s returned twice", entry.ID)
			seen[entry.ID] = true
		}
		pages++
		if !resp.HasMore {
			break
		}
		require.NotEmpty(t, resp.NextPageToken)
		token = resp.NextPageToken
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)

	_, err := svc.ListBySubscription(ctx, changedomain.ListRequest{SubscriptionID: "bogus"})
	assert.ErrorIs(t, err, changedomain.ErrInvalidSubscription)
}
