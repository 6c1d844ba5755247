package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ticket-admission/internal/broadcast"
	"ticket-admission/internal/clock"
	"ticket-admission/internal/repository"
	"ticket-admission/internal/token"
	"ticket-admission/models"
)

var (
	testSecret = []byte(strings.Repeat("s", 32))
	issueTime  = time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)
)

// recordingBroadcaster collects published redemptions.
type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []models.Redemption
}

func (b *recordingBroadcaster) Publish(_ context.Context, _ string, r models.Redemption) error {
	b.mu.Lock()
	b.sent = append(b.sent, r)
	b.mu.Unlock()
	return nil
}

func (b *recordingBroadcaster) redemptions() []models.Redemption {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Redemption(nil), b.sent...)
}

type fixture struct {
	clk        *clock.Manual
	repo       *repository.MemoryRepository
	codec      *token.Codec
	broadcasts *recordingBroadcaster
	issuance   *IssuanceService
	redemption *RedemptionService
}

func newFixture(t *testing.T, opts ...token.Option) *fixture {
	t.Helper()

	clk := clock.NewManual(issueTime)
	codec, err := token.NewCodec(testSecret, append([]token.Option{token.WithClock(clk)}, opts...)...)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	repo := repository.NewMemoryRepository()
	b := &recordingBroadcaster{}

	return &fixture{
		clk:        clk,
		repo:       repo,
		codec:      codec,
		broadcasts: b,
		issuance:   NewIssuanceService(repo, codec, clk, logger),
		redemption: NewRedemptionService(repo, codec, b, clk, logger),
	}
}

func (f *fixture) issue(t *testing.T, eventID, recipient string) (models.Ticket, []byte) {
	t.Helper()

	ticket, tok, err := f.issuance.Issue(context.Background(), eventID, recipient)
	require.NoError(t, err)
	raw, err := token.ParseString(tok)
	require.NoError(t, err)
	return ticket, raw
}

// MockTicketRepository lets tests script lost races.
type MockTicketRepository struct {
	mock.Mock
}

func (m *MockTicketRepository) Create(ctx context.Context, ticket models.Ticket) error {
	args := m.Called(ctx, ticket)
	return args.Error(0)
}

func (m *MockTicketRepository) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	args := m.Called(ctx, ticketID)
	return args.Get(0).(models.Ticket), args.Error(1)
}

func (m *MockTicketRepository) ConditionalUpdate(ctx context.Context, ticketID string, expectedVersion int64, update models.TicketUpdate) (models.Ticket, error) {
	args := m.Called(ctx, ticketID, expectedVersion, update)
	return args.Get(0).(models.Ticket), args.Error(1)
}

var _ repository.TicketRepository = (*MockTicketRepository)(nil)
var _ broadcast.Broadcaster = (*recordingBroadcaster)(nil)
