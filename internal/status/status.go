package status

import (
	"errors"
	"fmt"

	"ticket-admission/models"
)

var (
	ErrMalformedToken     = errors.New("token: malformed token")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrMalformedToken)
	ErrTokenTampered      = errors.New("token: authentication failed")
	ErrTokenExpired       = errors.New("token: validity window elapsed")

	ErrTicketNotFound   = errors.New("ticket: ticket not found")
	ErrTicketTampered   = errors.New("ticket: token does not match ticket")
	ErrTicketExpired    = errors.New("ticket: ticket expired")
	ErrAlreadyFinalized = errors.New("ticket: ticket already finalized")
	ErrDuplicateTicket  = errors.New("ticket: duplicate ticket id")
	ErrVersionConflict  = errors.New("ticket: version conflict")

	ErrRateLimited  = errors.New("verify: rate limit exceeded")
	ErrInvalidInput = errors.New("request: invalid input")
)

var resultErrors = map[models.Result]error{
	models.ResultAlreadyFinalized:   ErrAlreadyFinalized,
	models.ResultTicketExpired:      ErrTicketExpired,
	models.ResultTicketNotFound:     ErrTicketNotFound,
	models.ResultTicketTampered:     ErrTicketTampered,
	models.ResultMalformedToken:     ErrMalformedToken,
	models.ResultUnsupportedVersion: ErrUnsupportedVersion,
	models.ResultTokenTampered:      ErrTokenTampered,
	models.ResultTokenExpired:       ErrTokenExpired,
	models.ResultRateLimited:        ErrRateLimited,
}

// FromOutcome returns the sentinel matching a rejected outcome, nil when admitted.
func FromOutcome(o *models.Outcome) error {
	if o == nil || o.Admitted() {
		return nil
	}
	if err, ok := resultErrors[o.Result]; ok {
		return err
	}
	return fmt.Errorf("unknown result %q", o.Result)
}

// ResultFor maps a token decoding error to its outcome result.
func ResultFor(err error) (models.Result, bool) {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return models.ResultUnsupportedVersion, true
	case errors.Is(err, ErrMalformedToken):
		return models.ResultMalformedToken, true
	case errors.Is(err, ErrTokenTampered):
		return models.ResultTokenTampered, true
	case errors.Is(err, ErrTokenExpired):
		return models.ResultTokenExpired, true
	}
	return "", false
}
