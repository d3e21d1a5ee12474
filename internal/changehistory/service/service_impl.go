package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/pkg/db/pagination"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  changedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  changedomain.Repository
}

func NewService(p Params) changedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("changehistory.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, rec changedomain.Record) error {
	subscriptionID, err := strconv.ParseInt(strings.TrimSpace(rec.SubscriptionID), 10, 64)
	if err != nil || subscriptionID == 0 {
		return changedomain.ErrInvalidSubscription
	}
	kind := strings.TrimSpace(rec.Kind)
	if kind == "" {
		return changedomain.ErrInvalidKind
	}

	outcome := rec.Outcome
	if outcome == "" {
		outcome = changedomain.OutcomeApplied
	}

	actorType := strings.TrimSpace(rec.ActorType)
	if actorType == "" {
		actorType = "system"
	}

	var diffs datatypes.JSON
	if len(rec.Diffs) > 0 {
		raw, err := json.Marshal(rec.Diffs)
		if err != nil {
			return err
		}
		diffs = datatypes.JSON(raw)
	}

	// The ULID timestamp comes from the injected clock so ids stay
	// deterministic under a fake clock in tests.
	now := s.clock.Now()
	entry := changedomain.Entry{
		ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SubscriptionID: snowflake.ID(subscriptionID),
		Kind:           kind,
		ActorType:      actorType,
		ActorID:        rec.ActorID,
		Description:    rec.Description,
		Diffs:          diffs,
		Motive:         rec.Motive,
		Outcome:        outcome,
		OccurredAt:     now,
		CreatedAt:      now,
	}

	db := tx
	if db == nil {
		db = s.db
	}
	return s.repo.Insert(ctx, db, &entry)
}

func (s *Service) ListBySubscription(ctx context.Context, req changedomain.ListRequest) (changedomain.ListResponse, error) {
	subscriptionID, err := strconv.ParseInt(strings.TrimSpace(req.SubscriptionID), 10, 64)
	if err != nil || subscriptionID == 0 {
		return changedomain.ListResponse{}, changedomain.ErrInvalidSubscription
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	beforeID := ""
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor.ID != "" {
			beforeID = cursor.ID
		}
	}

	entries, err := s.repo.ListBySubscription(ctx, s.db, subscriptionID, int(pageSize), beforeID)
	if err != nil {
		return changedomain.ListResponse{}, err
	}

	resp := changedomain.ListResponse{Entries: entries}
	if len(entries) > int(pageSize) {
		resp.Entries = entries[:pageSize]
		resp.HasMore = true
		last := resp.Entries[len(resp.Entries)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: last.ID})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	return resp, nil
}
