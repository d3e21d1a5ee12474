package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"gorm.io/gorm"
)

// CreateGroup creates the principal subscription plus one subscription per
// member, all sharing a group id so group-scoped discounts and cross-customer
// transfers can resolve membership.
func (s *Service) CreateGroup(ctx context.Context, req subscriptiondomain.CreateGroupRequest) (subscriptiondomain.GroupResponse, error) {
	groupID := s.genID.Generate()

	principal, err := s.buildSubscription(ctx, req.Principal)
	if err != nil {
		return subscriptiondomain.GroupResponse{}, err
	}
	principal.GroupID = &groupID
	principal.GroupPrincipal = true

	members := make([]*subscriptiondomain.Subscription, 0, len(req.Members))
	for _, memberReq := range req.Members {
		member, err := s.buildSubscription(ctx, memberReq)
		if err != nil {
			return subscriptiondomain.GroupResponse{}, err
		}
		member.GroupID = &groupID
		members = append(members, member)
	}

	now := s.clock.Now()
	var resp subscriptiondomain.GroupResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := make([]subscriptiondomain.GroupMember, 0, len(members)+1)

		all := append([]*subscriptiondomain.Subscription{principal}, members...)
		for _, sub := range all {
			if err := s.repo.Insert(ctx, tx, sub); err != nil {
				return err
			}
			if sub.Status == subscriptiondomain.StatusTrial || sub.Status == subscriptiondomain.StatusActive {
				if _, err := s.ledgersvc.OpenPeriod(ctx, tx, sub); err != nil {
					return err
				}
			}
			rows = append(rows, subscriptiondomain.GroupMember{
				ID:             s.genID.Generate(),
				GroupID:        groupID,
				CustomerID:     sub.CustomerID,
				SubscriptionID: sub.ID,
				Principal:      sub.GroupPrincipal,
				JoinedAt:       now,
				CreatedAt:      now,
			})

			if err := s.record(ctx, tx, sub.ID, "subscription.created", changedomain.OutcomeApplied, "", []changedomain.FieldDiff{
				{Field: "status", Before: nil, After: string(sub.Status)},
				{Field: "group_id", Before: nil, After: groupID.String()},
			}); err != nil {
				return err
			}
		}

		return s.repo.InsertGroupMembers(ctx, tx, rows)
	})
	if err != nil {
		return subscriptiondomain.GroupResponse{}, err
	}

	resp.GroupID = groupID.String()
	resp.Principal = *principal
	resp.Subscriptions = append(resp.Subscriptions, *principal)
	for _, member := range members {
		resp.Subscriptions = append(resp.Subscriptions, *member)
	}
	return resp, nil
}

func (s *Service) AddMember(ctx context.Context, req subscriptiondomain.AddMemberRequest) (subscriptiondomain.Subscription, error) {
	groupID, err := snowflake.ParseString(strings.TrimSpace(req.GroupID))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidGroup
	}

	members, err := s.repo.FindGroupMembers(ctx, s.db, int64(groupID), false)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if len(members) == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidGroup
	}

	sub, err := s.buildSubscription(ctx, req.Member)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	sub.GroupID = &groupID

	existing, err := s.repo.FindActiveGroupMember(ctx, s.db, int64(groupID), int64(sub.CustomerID))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrAlreadyGroupMember
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}
		if sub.Status == subscriptiondomain.StatusTrial || sub.Status == subscriptiondomain.StatusActive {
			if _, err := s.ledgersvc.OpenPeriod(ctx, tx, sub); err != nil {
				return err
			}
		}
		if err := s.repo.InsertGroupMembers(ctx, tx, []subscriptiondomain.GroupMember{{
			ID:             s.genID.Generate(),
			GroupID:        groupID,
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			JoinedAt:       now,
			CreatedAt:      now,
		}}); err != nil {
			return err
		}
		return s.record(ctx, tx, sub.ID, "group.member_added", changedomain.OutcomeApplied, "", []changedomain.FieldDiff{
			{Field: "group_id", Before: nil, After: groupID.String()},
		})
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return *sub, nil
}

// RemoveMember cancels the member's subscription at period end. Already
// consumed sessions stay consumed; only future allotments stop.
func (s *Service) RemoveMember(ctx context.Context, groupID, customerID, motive string) error {
	parsedGroupID, err := snowflake.ParseString(strings.TrimSpace(groupID))
	if err != nil {
		return subscriptiondomain.ErrInvalidGroup
	}
	parsedCustomerID, err := snowflake.ParseString(strings.TrimSpace(customerID))
	if err != nil {
		return subscriptiondomain.ErrInvalidCustomer
	}

	member, err := s.repo.FindActiveGroupMember(ctx, s.db, int64(parsedGroupID), int64(parsedCustomerID))
	if err != nil {
		return err
	}
	if member == nil {
		return subscriptiondomain.ErrGroupMemberNotFound
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, member.SubscriptionID)
		if err != nil {
			return err
		}

		if err := s.repo.MarkMemberRemoved(ctx, tx, int64(member.ID), now); err != nil {
			return err
		}

		if sub.Status.Terminal() {
			return s.record(ctx, tx, sub.ID, "group.member_removed", changedomain.OutcomeApplied, motive, nil)
		}

		updates := map[string]any{
			"cancel_at_period_end": true,
			"cancel_motive":        motive,
			"updated_at":           now,
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}
		return s.record(ctx, tx, sub.ID, "group.member_removed", changedomain.OutcomeApplied, motive, []changedomain.FieldDiff{
			{Field: "cancel_at_period_end", Before: sub.CancelAtPeriodEnd, After: true},
		})
	})
}
