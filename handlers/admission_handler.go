package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/sirupsen/logrus"

	"ticket-admission/internal/broadcast"
	"ticket-admission/internal/status"
	"ticket-admission/models"
	"ticket-admission/security"
	"ticket-admission/services"
)

const (
	streamBuffer    = 32
	streamDedupeTTL = 10 * time.Minute
)

// RedemptionLookup serves devices that poll for redemptions instead of
// holding a stream open.
type RedemptionLookup interface {
	Lookup(ctx context.Context, eventID, ticketID string) (*models.Redemption, error)
}

type AdmissionHandler struct {
	service *services.AdmissionService
	hub     *broadcast.Hub
	lookup  RedemptionLookup
	health  func(ctx context.Context) error
	log     logrus.FieldLogger
}

type HandlerOption func(*AdmissionHandler)

// WithHub enables the redemption stream endpoint.
func WithHub(hub *broadcast.Hub) HandlerOption {
	return func(h *AdmissionHandler) { h.hub = hub }
}

// WithLookup enables the redemption polling endpoint.
func WithLookup(l RedemptionLookup) HandlerOption {
	return func(h *AdmissionHandler) { h.lookup = l }
}

func WithHealthCheck(check func(ctx context.Context) error) HandlerOption {
	return func(h *AdmissionHandler) { h.health = check }
}

func NewAdmissionHandler(service *services.AdmissionService, logger logrus.FieldLogger, opts ...HandlerOption) *AdmissionHandler {
	h := &AdmissionHandler{service: service, log: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on e. issueLimiter guards the issuance
// endpoints; verification is limited inside the service.
func (h *AdmissionHandler) Register(e *echo.Echo, issueLimiter *security.SlidingWindowLimiter) {
	api := e.Group("/api/v1")

	var issueMiddleware []echo.MiddlewareFunc
	if issueLimiter != nil {
		issueMiddleware = append(issueMiddleware, issueLimiter.RateLimit())
	}

	// Ticket endpoints
	api.POST("/tickets", h.IssueTicket, issueMiddleware...)
	api.POST("/tickets/batch", h.IssueBatch, issueMiddleware...)
	api.GET("/tickets/:id", h.GetTicket)
	api.POST("/tickets/:id/deliver", h.MarkDelivered)
	api.POST("/tickets/:id/revoke", h.RevokeTicket)

	// Verification
	api.POST("/verify", h.Verify)

	// Event endpoints
	api.GET("/events/:eventId/stats", h.GetStats)
	api.GET("/events/:eventId/redemptions/:ticketId", h.GetRedemption)
	api.GET("/events/:eventId/stream", h.StreamRedemptions)

	e.GET("/health", h.Health)
}

func (h *AdmissionHandler) IssueTicket(c echo.Context) error {
	var req struct {
		EventID   string `json:"event_id"`
		Recipient string `json:"recipient"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}

	ticket, tok, err := h.service.Issue(c.Request().Context(), req.EventID, req.Recipient)
	if err != nil {
		return h.errorResponse(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"ticket": ticket,
		"token":  tok,
	})
}

func (h *AdmissionHandler) IssueBatch(c echo.Context) error {
	var req struct {
		EventID    string   `json:"event_id"`
		Recipients []string `json:"recipients"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	if len(req.Recipients) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "recipients are required")
	}

	results, err := h.service.IssueBatch(c.Request().Context(), req.EventID, req.Recipients)
	if err != nil {
		return h.errorResponse(c, err)
	}

	issued := 0
	for _, r := range results {
		if r.Ticket != nil {
			issued++
		}
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"issued":  issued,
		"failed":  len(results) - issued,
		"results": results,
	})
}

func (h *AdmissionHandler) Verify(c echo.Context) error {
	var req services.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	if req.CallerKey == "" {
		req.CallerKey = c.Request().Header.Get(security.DeviceHeader)
	}
	req.RemoteAddr = c.RealIP()
	if req.Token == "" || req.Redeemer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token and redeemer are required")
	}

	outcome, err := h.service.Verify(c.Request().Context(), req)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(outcomeStatus(outcome.Result), outcome)
}

func (h *AdmissionHandler) GetTicket(c echo.Context) error {
	ticket, err := h.service.Status(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ticket)
}

func (h *AdmissionHandler) MarkDelivered(c echo.Context) error {
	ticket, err := h.service.MarkDelivered(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ticket)
}

func (h *AdmissionHandler) RevokeTicket(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}

	ticket, err := h.service.Revoke(c.Request().Context(), c.PathParam("id"), req.Reason)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ticket)
}

func (h *AdmissionHandler) GetStats(c echo.Context) error {
	stats, err := h.service.Stats(c.Request().Context(), c.PathParam("eventId"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *AdmissionHandler) GetRedemption(c echo.Context) error {
	if h.lookup == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Redemption polling is not enabled")
	}

	r, err := h.lookup.Lookup(c.Request().Context(), c.PathParam("eventId"), c.PathParam("ticketId"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	if r == nil {
		return c.JSON(http.StatusOK, map[string]any{"redeemed": false})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"redeemed":   true,
		"redemption": r,
	})
}

// StreamRedemptions pushes an event's redemptions as server-sent events until
// the client goes away. Repeated deliveries of the same redemption are sent
// once.
func (h *AdmissionHandler) StreamRedemptions(c echo.Context) error {
	if h.hub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Redemption stream is not enabled")
	}

	eventID := c.PathParam("eventId")
	redemptions, unsubscribe := h.hub.Subscribe(eventID, streamBuffer)
	defer unsubscribe()

	dedupe := broadcast.NewDeduper(streamDedupeTTL, nil)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-redemptions:
			if !ok {
				return nil
			}
			if !dedupe.First(r) {
				continue
			}

			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: ticket_redeemed\ndata: %s\n\n", r.Key(), data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (h *AdmissionHandler) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *AdmissionHandler) errorResponse(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Request().URL.Path).Error("Request failed")
		return c.JSON(code, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, status.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, status.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrAlreadyFinalized), errors.Is(err, status.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, status.ErrTicketExpired):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func outcomeStatus(result models.Result) int {
	switch result {
	case models.ResultAdmitted:
		return http.StatusOK
	case models.ResultAlreadyFinalized:
		return http.StatusConflict
	case models.ResultTicketExpired, models.ResultTokenExpired:
		return http.StatusGone
	case models.ResultTicketNotFound:
		return http.StatusNotFound
	case models.ResultRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusBadRequest
}
