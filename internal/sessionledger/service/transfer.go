package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"gorm.io/gorm"
)

// Transfer moves unconsumed sessions out of a source entry. The decrement is
// recorded on transferred_out, not consumed, so usage statistics stay honest.
// (total - consumed) summed over source and destination is unchanged.
func (s *Service) Transfer(ctx context.Context, req ledgerdomain.TransferRequest) (ledgerdomain.TransferResponse, error) {
	if req.Quantity <= 0 {
		return ledgerdomain.TransferResponse{}, ledgerdomain.ErrInvalidQuantity
	}
	destinationPeriod := strings.TrimSpace(req.DestinationPeriod)
	if destinationPeriod == "" {
		return ledgerdomain.TransferResponse{}, ledgerdomain.ErrInvalidPeriod
	}
	sourceEntryID, err := snowflake.ParseString(strings.TrimSpace(req.SourceEntryID))
	if err != nil {
		return ledgerdomain.TransferResponse{}, ledgerdomain.ErrEntryNotFound
	}

	var resp ledgerdomain.TransferResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		peek, err := s.repo.FindByID(ctx, tx, int64(sourceEntryID))
		if err != nil {
			return err
		}
		if peek == nil {
			return ledgerdomain.ErrEntryNotFound
		}

		srcSub, err := s.lockSubscription(ctx, tx, peek.SubscriptionID)
		if err != nil {
			return err
		}

		source, err := s.repo.FindByIDForUpdate(ctx, tx, int64(sourceEntryID))
		if err != nil {
			return err
		}
		if source == nil {
			return ledgerdomain.ErrEntryNotFound
		}

		now := s.clock.Now()
		if source.Expired(now) {
			s.recordRejection(ctx, source.SubscriptionID, "session.transfer", req.Motive, ledgerdomain.ErrTransferExpired)
			return ledgerdomain.ErrTransferExpired
		}
		if req.Quantity > source.Remaining() {
			s.recordRejection(ctx, source.SubscriptionID, "session.transfer", req.Motive, ledgerdomain.ErrInsufficientSessions)
			return ledgerdomain.ErrInsufficientSessions
		}
		if srcSub.MaxTransferable > 0 && req.Quantity > srcSub.MaxTransferable {
			s.recordRejection(ctx, source.SubscriptionID, "session.transfer", req.Motive, subscriptiondomain.ErrInvalidTransferConfig)
			return subscriptiondomain.ErrInvalidTransferConfig
		}

		destSub := srcSub
		if trimmed := strings.TrimSpace(req.DestinationCustomerID); trimmed != "" {
			destCustomerID, err := snowflake.ParseString(trimmed)
			if err != nil {
				return subscriptiondomain.ErrInvalidCustomer
			}
			if destCustomerID != srcSub.CustomerID {
				// Cross-customer transfers only flow inside one group.
				if srcSub.GroupID == nil {
					s.recordRejection(ctx, source.SubscriptionID, "session.transfer", req.Motive, subscriptiondomain.ErrGroupMemberNotFound)
					return subscriptiondomain.ErrGroupMemberNotFound
				}
				member, err := s.subRepo.FindActiveGroupMember(ctx, tx, int64(*srcSub.GroupID), int64(destCustomerID))
				if err != nil {
					return err
				}
				if member == nil {
					s.recordRejection(ctx, source.SubscriptionID, "session.transfer", req.Motive, subscriptiondomain.ErrGroupMemberNotFound)
					return subscriptiondomain.ErrGroupMemberNotFound
				}
				destSub, err = s.lockSubscription(ctx, tx, member.SubscriptionID)
				if err != nil {
					return err
				}
			}
		}

		destination, err := s.repo.FindBySubPeriodForUpdate(ctx, tx, int64(destSub.ID), destinationPeriod)
		if err != nil {
			return err
		}

		switch {
		case destination == nil:
			expiresAt := req.DestinationExpiry
			if expiresAt == nil {
				expiresAt = source.ExpiresAt
			}
			created := ledgerdomain.Entry{
				ID:             s.genID.Generate(),
				SubscriptionID: destSub.ID,
				CustomerID:     destSub.CustomerID,
				PeriodKey:      destinationPeriod,
				Kind:           ledgerdomain.KindTransferred,
				Total:          req.Quantity,
				ExpiresAt:      expiresAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.repo.Insert(ctx, tx, &created); err != nil {
				return err
			}
			destination = &created
		case destination.Expired(now):
			// An expired destination is only revived with an explicit future
			// expiry from the caller.
			if req.DestinationExpiry == nil || !req.DestinationExpiry.After(now) {
				s.recordRejection(ctx, source.SubscriptionID, "session.transfer", req.Motive, ledgerdomain.ErrEntryExpired)
				return ledgerdomain.ErrEntryExpired
			}
			if err := s.repo.UpdateCounters(ctx, tx, int64(destination.ID), map[string]any{
				"total":      destination.Total + req.Quantity,
				"expires_at": *req.DestinationExpiry,
				"updated_at": now,
			}); err != nil {
				return err
			}
			destination.Total += req.Quantity
			destination.ExpiresAt = req.DestinationExpiry
		default:
			if err := s.repo.UpdateCounters(ctx, tx, int64(destination.ID), map[string]any{
				"total":      destination.Total + req.Quantity,
				"updated_at": now,
			}); err != nil {
				return err
			}
			destination.Total += req.Quantity
		}

		if err := s.repo.UpdateCounters(ctx, tx, int64(source.ID), map[string]any{
			"total":           source.Total - req.Quantity,
			"transferred_out": source.TransferredOut + req.Quantity,
			"updated_at":      now,
		}); err != nil {
			return err
		}

		if err := s.record(ctx, tx, source.SubscriptionID, "session.transferred_out", req.Motive, []changedomain.FieldDiff{
			{Field: "total", Before: source.Total, After: source.Total - req.Quantity},
			{Field: "transferred_out", Before: source.TransferredOut, After: source.TransferredOut + req.Quantity},
		}); err != nil {
			return err
		}
		if destSub.ID != srcSub.ID {
			if err := s.record(ctx, tx, destSub.ID, "session.transferred_in", req.Motive, []changedomain.FieldDiff{
				{Field: "total", Before: destination.Total - req.Quantity, After: destination.Total},
			}); err != nil {
				return err
			}
		}

		resp.Source = *source
		resp.Source.Total -= req.Quantity
		resp.Source.TransferredOut += req.Quantity
		resp.Destination = *destination
		return nil
	})
	if err != nil {
		return ledgerdomain.TransferResponse{}, err
	}

	s.metrics.ObserveSessionsMoved("transfer", int64(req.Quantity))
	return resp, nil
}
