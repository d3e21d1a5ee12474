package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fitloop/cadence/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	if subscription == nil {
		return nil
	}
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*domain.Subscription, error) {
	var sub domain.Subscription
	stmt := db.WithContext(ctx).Where("id = ?", id)
	if supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := stmt.First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) InsertGroupMembers(ctx context.Context, db *gorm.DB, members []domain.GroupMember) error {
	if len(members) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&members).Error
}

func (r *repo) FindGroupMembers(ctx context.Context, db *gorm.DB, groupID int64, activeOnly bool) ([]domain.GroupMember, error) {
	var members []domain.GroupMember
	stmt := db.WithContext(ctx).Where("group_id = ?", groupID)
	if activeOnly {
		stmt = stmt.Where("removed_at IS NULL")
	}
	err := stmt.Order("joined_at asc").Find(&members).Error
	return members, err
}

func (r *repo) FindActiveGroupMember(ctx context.Context, db *gorm.DB, groupID, customerID int64) (*domain.GroupMember, error) {
	var member domain.GroupMember
	err := db.WithContext(ctx).
		Where("group_id = ? AND customer_id = ? AND removed_at IS NULL", groupID, customerID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

func (r *repo) MarkMemberRemoved(ctx context.Context, db *gorm.DB, memberID int64, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.GroupMember{}).
		Where("id = ? AND removed_at IS NULL", memberID).
		Update("removed_at", at).Error
}

func (r *repo) ClaimDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status = ? AND current_period_end <= ? AND cancel_at_period_end = ? AND archived_at IS NULL",
		domain.StatusActive, now, false)
}

func (r *repo) ClaimFrozenElapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status = ? AND freeze_end IS NOT NULL AND freeze_end <= ?",
		domain.StatusFrozen, now)
}

func (r *repo) ClaimCancelDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status IN ? AND cancel_at_period_end = ? AND current_period_end <= ?",
		[]domain.SubscriptionStatus{domain.StatusActive, domain.StatusPaused, domain.StatusFrozen}, true, now)
}

func (r *repo) ClaimTrialsElapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?",
		domain.StatusTrial, now)
}

func (r *repo) ClaimArchivable(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status IN ? AND archived_at IS NULL AND updated_at <= ?",
		[]domain.SubscriptionStatus{domain.StatusCanceled, domain.StatusExpired}, cutoff)
}

func (r *repo) claim(ctx context.Context, db *gorm.DB, limit int, query string, args ...any) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	stmt := db.WithContext(ctx).Where(query, args...).Order("current_period_end asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	err := stmt.Find(&subs).Error
	return subs, err
}

// sqlite has no row locks; its writer lock serializes access instead.
func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector.Name() != "sqlite"
}
