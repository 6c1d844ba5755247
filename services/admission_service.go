package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ticket-admission/internal/repository"
	"ticket-admission/internal/status"
	"ticket-admission/internal/token"
	"ticket-admission/models"
)

// Limiter throttles verification attempts per caller key.
type Limiter interface {
	AllowKey(key string) bool
	RetryAfter(key string) time.Duration
}

// Recorder receives per-operation metrics. monitoring.Monitor implements it.
type Recorder interface {
	TrackVerification(eventID string, result models.Result, duration time.Duration)
	TrackIssuance(eventID string, err error)
	TrackRateLimited()
}

type nopRecorder struct{}

func (nopRecorder) TrackVerification(string, models.Result, time.Duration) {}
func (nopRecorder) TrackIssuance(string, error)                            {}
func (nopRecorder) TrackRateLimited()                                      {}

type VerifyRequest struct {
	Token    string `json:"token"`
	Redeemer string `json:"redeemer"`
	// CallerKey identifies the verifying device for rate limiting. It
	// defaults to Redeemer.
	CallerKey string `json:"device_id"`
	// RemoteAddr is recorded in the audit trail. Adapters fill it in.
	RemoteAddr string `json:"-"`
}

const recentActivityLimit = 10

// AdmissionService is the single entry point for the HTTP and CLI adapters.
type AdmissionService struct {
	Issuance   *IssuanceService
	Redemption *RedemptionService
	Limiter    Limiter

	stats    repository.StatsReader
	audit    repository.AuditLog
	recorder Recorder
	log      logrus.FieldLogger
}

type AdmissionOption func(*AdmissionService)

func WithLimiter(l Limiter) AdmissionOption {
	return func(s *AdmissionService) { s.Limiter = l }
}

func WithRecorder(r Recorder) AdmissionOption {
	return func(s *AdmissionService) { s.recorder = r }
}

func WithStats(r repository.StatsReader) AdmissionOption {
	return func(s *AdmissionService) { s.stats = r }
}

// WithAudit records every verification that resolves to a ticket.
func WithAudit(a repository.AuditLog) AdmissionOption {
	return func(s *AdmissionService) { s.audit = a }
}

func NewAdmissionService(issuance *IssuanceService, redemption *RedemptionService, logger logrus.FieldLogger, opts ...AdmissionOption) *AdmissionService {
	s := &AdmissionService{
		Issuance:   issuance,
		Redemption: redemption,
		recorder:   nopRecorder{},
		log:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AdmissionService) Issue(ctx context.Context, eventID, recipient string) (models.Ticket, string, error) {
	ticket, tok, err := s.Issuance.Issue(ctx, eventID, recipient)
	s.recorder.TrackIssuance(eventID, err)
	return ticket, tok, err
}

func (s *AdmissionService) IssueBatch(ctx context.Context, eventID string, recipients []string) ([]BatchResult, error) {
	results, err := s.Issuance.IssueBatch(ctx, eventID, recipients)
	for _, r := range results {
		if r.Ticket == nil && r.Err == nil {
			continue
		}
		s.recorder.TrackIssuance(eventID, r.Err)
	}
	return results, err
}

// Verify checks the caller's rate limit, then redeems the token.
func (s *AdmissionService) Verify(ctx context.Context, req VerifyRequest) (*models.Outcome, error) {
	start := time.Now()

	key := strings.TrimSpace(req.CallerKey)
	if key == "" {
		key = strings.TrimSpace(req.Redeemer)
	}
	logger := s.log.WithField("device_id", key)

	if s.Limiter != nil && !s.Limiter.AllowKey(key) {
		s.recorder.TrackRateLimited()
		s.recorder.TrackVerification("", models.ResultRateLimited, time.Since(start))
		logger.Warn("Verification rate limit exceeded")
		return &models.Outcome{
			Result:  models.ResultRateLimited,
			Message: fmt.Sprintf("Too many attempts, retry in %s", s.Limiter.RetryAfter(key).Round(time.Second)),
		}, nil
	}

	outcome, err := s.verify(ctx, req)
	if err != nil {
		logger.WithError(err).Error("Verification failed")
		return nil, err
	}

	s.recorder.TrackVerification(outcome.EventID, outcome.Result, time.Since(start))
	s.record(ctx, req, outcome, logger)
	logger.WithFields(logrus.Fields{
		"ticket_id": outcome.TicketID,
		"event_id":  outcome.EventID,
		"result":    outcome.Result,
	}).Info("Ticket verified")
	return outcome, nil
}

func (s *AdmissionService) verify(ctx context.Context, req VerifyRequest) (*models.Outcome, error) {
	raw, err := token.ParseString(req.Token)
	if err != nil {
		return &models.Outcome{Result: models.ResultMalformedToken, Message: err.Error()}, nil
	}
	return s.Redemption.VerifyAndRedeem(ctx, raw, strings.TrimSpace(req.Redeemer))
}

// record appends outcome to the audit trail. Failures are logged only, the
// redemption has already committed.
func (s *AdmissionService) record(ctx context.Context, req VerifyRequest, outcome *models.Outcome, logger logrus.FieldLogger) {
	if s.audit == nil || outcome.EventID == "" {
		return
	}
	err := s.audit.AppendVerification(ctx, models.Verification{
		TicketID:   outcome.TicketID,
		EventID:    outcome.EventID,
		Redeemer:   strings.TrimSpace(req.Redeemer),
		DeviceID:   strings.TrimSpace(req.CallerKey),
		Result:     outcome.Result,
		RemoteAddr: req.RemoteAddr,
		At:         s.Redemption.Clock.Now().UTC(),
	})
	if err != nil {
		logger.WithError(err).WithField("ticket_id", outcome.TicketID).Warn("Failed to record verification")
	}
}

func (s *AdmissionService) Status(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.Redemption.Status(ctx, ticketID)
}

func (s *AdmissionService) MarkDelivered(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.Redemption.MarkDelivered(ctx, ticketID)
}

func (s *AdmissionService) Revoke(ctx context.Context, ticketID, reason string) (models.Ticket, error) {
	return s.Redemption.Revoke(ctx, ticketID, reason)
}

// Stats counts an event's tickets by status and, with an audit log, lists
// the latest verifications.
func (s *AdmissionService) Stats(ctx context.Context, eventID string) (models.Stats, error) {
	if s.stats == nil {
		return models.Stats{}, fmt.Errorf("%w: store does not report stats", status.ErrInvalidInput)
	}
	stats, err := s.stats.Stats(ctx, eventID)
	if err != nil || s.audit == nil {
		return stats, err
	}

	recent, err := s.audit.RecentVerifications(ctx, eventID, recentActivityLimit)
	if err != nil {
		return models.Stats{}, fmt.Errorf("recent verifications for %s: %w", eventID, err)
	}
	stats.RecentActivity = append([]models.Verification{}, recent...)
	return stats, nil
}
