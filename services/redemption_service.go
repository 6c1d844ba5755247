package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ticket-admission/internal/broadcast"
	"ticket-admission/internal/clock"
	"ticket-admission/internal/repository"
	"ticket-admission/internal/status"
	"ticket-admission/internal/token"
	"ticket-admission/models"
)

// maxConflictRetries is how many fresh read-then-update cycles follow a lost
// conditional update before the loser reports the stored state.
const maxConflictRetries = 1

// commitCheckTimeout bounds the re-read after a cancelled redemption.
const commitCheckTimeout = 5 * time.Second

// RedemptionService owns every ticket transition after issuance. It holds no
// lock: the repository's conditional update decides which caller wins.
type RedemptionService struct {
	Repo        repository.TicketRepository
	Codec       *token.Codec
	Broadcaster broadcast.Broadcaster
	Clock       clock.Clock

	log logrus.FieldLogger
}

func NewRedemptionService(repo repository.TicketRepository, codec *token.Codec, b broadcast.Broadcaster, clk clock.Clock, logger logrus.FieldLogger) *RedemptionService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if b == nil {
		b = broadcast.Nop{}
	}
	return &RedemptionService{
		Repo:        repo,
		Codec:       codec,
		Broadcaster: b,
		Clock:       clk,
		log:         logger,
	}
}

// VerifyAndRedeem admits the holder of tok at most once. Domain rejections
// come back as outcomes; the error is reserved for infrastructure failures.
func (s *RedemptionService) VerifyAndRedeem(ctx context.Context, tok []byte, redeemer string) (*models.Outcome, error) {
	if redeemer == "" {
		return nil, fmt.Errorf("%w: redeemer is required", status.ErrInvalidInput)
	}

	claims, err := s.Codec.Decode(tok)
	if err != nil {
		result, ok := status.ResultFor(err)
		if !ok {
			return nil, err
		}
		o := &models.Outcome{Result: result, Message: err.Error()}
		if result == models.ResultTokenExpired {
			o.TicketID = claims.TicketID
			o.EventID = claims.EventID
		}
		return o, nil
	}

	logger := s.log.WithFields(logrus.Fields{
		"ticket_id": claims.TicketID,
		"event_id":  claims.EventID,
		"redeemer":  redeemer,
	})

	ticket, err := s.Repo.Get(ctx, claims.TicketID)
	if errors.Is(err, status.ErrTicketNotFound) {
		return &models.Outcome{
			Result:   models.ResultTicketNotFound,
			TicketID: claims.TicketID,
			EventID:  claims.EventID,
			Message:  "Ticket does not exist",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", claims.TicketID, err)
	}

	if ticket.EventID != claims.EventID || !token.FingerprintsEqual(ticket.RecipientFingerprint, claims.RecipientFingerprint) {
		logger.Warn("Token does not match stored ticket")
		return &models.Outcome{
			Result:   models.ResultTicketTampered,
			TicketID: claims.TicketID,
			EventID:  claims.EventID,
			Message:  "Token does not match the issued ticket",
		}, nil
	}

	now := s.Clock.Now().UTC()
	for attempt := 0; ; attempt++ {
		if o := s.settled(ctx, ticket, now); o != nil {
			return o, nil
		}

		redeemedAt := now
		updated, err := s.Repo.ConditionalUpdate(ctx, ticket.TicketID, ticket.Version, models.TicketUpdate{
			Status:     models.StatusRedeemed,
			RedeemedAt: &redeemedAt,
			RedeemedBy: redeemer,
		})
		if err == nil {
			s.publish(ctx, updated)
			logger.Info("Ticket admitted")
			return (&models.Outcome{Result: models.ResultAdmitted}).WithTicket(updated), nil
		}
		if !errors.Is(err, status.ErrVersionConflict) {
			if ctx.Err() != nil {
				s.publishIfCommitted(ctx, ticket.TicketID, redeemer, redeemedAt)
			}
			return nil, fmt.Errorf("redeem ticket %s: %w", ticket.TicketID, err)
		}

		logger.WithField("attempt", attempt+1).Debug("Lost conditional update, re-reading ticket")
		ticket, err = s.Repo.Get(ctx, ticket.TicketID)
		if err != nil {
			return nil, fmt.Errorf("re-read ticket %s: %w", claims.TicketID, err)
		}

		if attempt >= maxConflictRetries {
			if o := s.settled(ctx, ticket, now); o != nil {
				return o, nil
			}
			return alreadyFinalized(ticket), nil
		}
	}
}

// settled returns the outcome for a ticket that can no longer be redeemed,
// nil if a redemption may still be attempted. A past-due ticket is
// moved to expired on a best-effort basis.
func (s *RedemptionService) settled(ctx context.Context, t models.Ticket, now time.Time) *models.Outcome {
	switch {
	case t.Status == models.StatusRedeemed || t.Status == models.StatusRevoked:
		return alreadyFinalized(t)
	case t.Status == models.StatusExpired:
		return ticketExpired(t)
	case t.PastDue(now):
		return ticketExpired(s.expire(ctx, t))
	}
	return nil
}

func (s *RedemptionService) expire(ctx context.Context, t models.Ticket) models.Ticket {
	updated, err := s.Repo.ConditionalUpdate(ctx, t.TicketID, t.Version, models.TicketUpdate{Status: models.StatusExpired})
	if err != nil {
		if !errors.Is(err, status.ErrVersionConflict) {
			s.log.WithError(err).WithField("ticket_id", t.TicketID).Warn("Failed to persist ticket expiry")
		}
		t.Status = models.StatusExpired
		return t
	}
	return updated
}

func (s *RedemptionService) publish(ctx context.Context, t models.Ticket) {
	r := models.Redemption{
		TicketID:   t.TicketID,
		EventID:    t.EventID,
		Version:    t.Version,
		RedeemedBy: t.RedeemedBy,
		RedeemedAt: *t.RedeemedAt,
	}
	if err := s.Broadcaster.Publish(ctx, t.EventID, r); err != nil {
		s.log.WithError(err).WithField("ticket_id", t.TicketID).Warn("Failed to hand off redemption broadcast")
	}
}

// publishIfCommitted covers a caller that went away while the conditional
// update was in flight: the write may have landed anyway, and then the
// redemption must still be broadcast. redeemedAt is compared to the
// microsecond, the coarsest precision of any store.
func (s *RedemptionService) publishIfCommitted(ctx context.Context, ticketID, redeemer string, redeemedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitCheckTimeout)
	defer cancel()

	t, err := s.Repo.Get(ctx, ticketID)
	if err != nil {
		s.log.WithError(err).WithField("ticket_id", ticketID).Warn("Could not confirm redemption after cancellation")
		return
	}
	if t.Status != models.StatusRedeemed || t.RedeemedAt == nil || t.RedeemedBy != redeemer ||
		!t.RedeemedAt.Truncate(time.Microsecond).Equal(redeemedAt.Truncate(time.Microsecond)) {
		return
	}
	s.log.WithField("ticket_id", ticketID).Info("Redemption committed after caller cancelled")
	s.publish(ctx, t)
}

// MarkDelivered records that the ticket reached its holder. Repeating it is
// a no-op.
func (s *RedemptionService) MarkDelivered(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.transition(ctx, ticketID, func(t models.Ticket, now time.Time) (*models.TicketUpdate, error) {
		switch {
		case t.Status == models.StatusDelivered:
			return nil, nil
		case t.Status.Terminal():
			return nil, status.ErrAlreadyFinalized
		case t.PastDue(now):
			s.expire(ctx, t)
			return nil, status.ErrTicketExpired
		}
		return &models.TicketUpdate{Status: models.StatusDelivered, DeliveredAt: &now}, nil
	})
}

// Revoke cancels an issued or delivered ticket.
func (s *RedemptionService) Revoke(ctx context.Context, ticketID, reason string) (models.Ticket, error) {
	return s.transition(ctx, ticketID, func(t models.Ticket, now time.Time) (*models.TicketUpdate, error) {
		switch {
		case t.Status.Terminal():
			return nil, status.ErrAlreadyFinalized
		case t.PastDue(now):
			s.expire(ctx, t)
			return nil, status.ErrTicketExpired
		}
		return &models.TicketUpdate{Status: models.StatusRevoked, RevokedAt: &now, RevokeReason: reason}, nil
	})
}

// transition runs a read, decide, conditional-update cycle, retrying once on
// a lost race. next returns a nil update when the ticket should be left as is.
func (s *RedemptionService) transition(ctx context.Context, ticketID string, next func(models.Ticket, time.Time) (*models.TicketUpdate, error)) (models.Ticket, error) {
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		t, err := s.Repo.Get(ctx, ticketID)
		if err != nil {
			return models.Ticket{}, err
		}

		now := s.Clock.Now().UTC()
		update, err := next(t, now)
		if err != nil || update == nil {
			return t.Snapshot(now), err
		}

		updated, err := s.Repo.ConditionalUpdate(ctx, ticketID, t.Version, *update)
		if errors.Is(err, status.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return models.Ticket{}, err
		}

		s.log.WithFields(logrus.Fields{
			"ticket_id": ticketID,
			"status":    updated.Status,
		}).Info("Ticket updated")
		return updated, nil
	}
	return models.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, status.ErrVersionConflict)
}

// Status returns the stored ticket with lazy expiry applied.
func (s *RedemptionService) Status(ctx context.Context, ticketID string) (models.Ticket, error) {
	t, err := s.Repo.Get(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	return t.Snapshot(s.Clock.Now().UTC()), nil
}

func alreadyFinalized(t models.Ticket) *models.Outcome {
	o := (&models.Outcome{Result: models.ResultAlreadyFinalized}).WithTicket(t)
	switch {
	case t.Status == models.StatusRedeemed && t.RedeemedAt != nil:
		o.Message = fmt.Sprintf("Ticket already redeemed by %s at %s", t.RedeemedBy, t.RedeemedAt.Format(time.RFC3339))
	case t.Status == models.StatusRevoked:
		o.Message = "Ticket has been revoked"
	default:
		o.Message = "Ticket can no longer be redeemed"
	}
	return o
}

func ticketExpired(t models.Ticket) *models.Outcome {
	o := (&models.Outcome{Result: models.ResultTicketExpired}).WithTicket(t)
	o.Status = models.StatusExpired
	o.Message = fmt.Sprintf("Ticket expired at %s", t.ExpiresAt.Format(time.RFC3339))
	return o
}
