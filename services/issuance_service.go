package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ticket-admission/internal/clock"
	"ticket-admission/internal/repository"
	"ticket-admission/internal/status"
	"ticket-admission/internal/token"
	"ticket-admission/models"
)

const batchConcurrency = 8

type IssuanceService struct {
	Repo  repository.TicketRepository
	Codec *token.Codec
	Clock clock.Clock

	log   logrus.FieldLogger
	newID func() string
}

func NewIssuanceService(repo repository.TicketRepository, codec *token.Codec, clk clock.Clock, logger logrus.FieldLogger) *IssuanceService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &IssuanceService{
		Repo:  repo,
		Codec: codec,
		Clock: clk,
		log:   logger,
		newID: uuid.NewString,
	}
}

// Issue creates a ticket for recipient and returns it with its token in
// string form. The ticket is written exactly once.
func (s *IssuanceService) Issue(ctx context.Context, eventID, recipient string) (models.Ticket, string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return models.Ticket{}, "", fmt.Errorf("%w: event id is required", status.ErrInvalidInput)
	}
	if token.NormalizeIdentity(recipient) == "" {
		return models.Ticket{}, "", fmt.Errorf("%w: recipient is required", status.ErrInvalidInput)
	}

	issuedAt := s.Clock.Now().UTC().Truncate(time.Second)
	ticket := models.Ticket{
		TicketID:             s.newID(),
		EventID:              eventID,
		RecipientFingerprint: s.Codec.Fingerprint(recipient),
		IssuedAt:             issuedAt,
		ExpiresAt:            issuedAt.Add(s.Codec.Validity()),
		Status:               models.StatusIssued,
		Version:              0,
	}

	tok, err := s.Codec.EncodeString(models.Claims{
		TicketID:             ticket.TicketID,
		EventID:              ticket.EventID,
		RecipientFingerprint: ticket.RecipientFingerprint,
		IssuedAt:             issuedAt.Unix(),
	})
	if err != nil {
		return models.Ticket{}, "", fmt.Errorf("encode token: %w", err)
	}

	if err := s.Repo.Create(ctx, ticket); err != nil {
		return models.Ticket{}, "", fmt.Errorf("create ticket %s: %w", ticket.TicketID, err)
	}

	s.log.WithFields(logrus.Fields{
		"ticket_id": ticket.TicketID,
		"event_id":  eventID,
	}).Info("Ticket issued")

	return ticket, tok, nil
}

// BatchResult is the outcome of issuing to one recipient of a batch.
type BatchResult struct {
	Recipient string         `json:"recipient"`
	Ticket    *models.Ticket `json:"ticket,omitempty"`
	Token     string         `json:"token,omitempty"`
	Error     string         `json:"error,omitempty"`

	Err error `json:"-"`
}

// IssueBatch issues one ticket per recipient. A failure for one recipient is
// recorded in its result and does not stop the others; only ctx ending
// aborts the batch.
func (s *IssuanceService) IssueBatch(ctx context.Context, eventID string, recipients []string) ([]BatchResult, error) {
	results := make([]BatchResult, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, recipient := range recipients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			res := BatchResult{Recipient: recipient}
			ticket, tok, err := s.Issue(gctx, eventID, recipient)
			if err != nil {
				res.Err = err
				res.Error = err.Error()
			} else {
				res.Ticket = &ticket
				res.Token = tok
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
