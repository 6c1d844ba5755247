package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ticket-admission/internal/status"
	"ticket-admission/migrations"
	"ticket-admission/models"
)

var baseTime = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

func newTicket(id, eventID string) models.Ticket {
	return models.Ticket{
		TicketID:             id,
		EventID:              eventID,
		RecipientFingerprint: "9f86d081884c7d659a2feaa0c55ad015",
		IssuedAt:             baseTime,
		ExpiresAt:            baseTime.Add(24 * time.Hour),
		Status:               models.StatusIssued,
	}
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryRepository()
		},
		"sqlite": func(t *testing.T) Store {
			repo, err := OpenSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
		"postgres": func(t *testing.T) Store {
			return newPostgresStore(t)
		},
	}
}

// newPostgresStore skips unless TEST_DATABASE_URL points at a reachable server.
func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping Postgres integration tests: %v", err)
	}
	require.NoError(t, migrations.Apply(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE tickets, verification_logs`)
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return NewPostgresRepository(pool)
}

func TestRepositoryContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, factory(t)) })
			t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
			t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, factory(t)) })
			t.Run("StaleVersion", func(t *testing.T) { testStaleVersion(t, factory(t)) })
			t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, factory(t)) })
			t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { testConcurrentCAS(t, factory(t)) })
			t.Run("Stats", func(t *testing.T) { testStats(t, factory(t)) })
			t.Run("AuditLog", func(t *testing.T) { testAuditLog(t, factory(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, repo Store) {
	ctx := context.Background()
	ticket := newTicket("t-create", "Conf2024")
	require.NoError(t, repo.Create(ctx, ticket))

	got, err := repo.Get(ctx, "t-create")
	require.NoError(t, err)
	assert.Equal(t, ticket.TicketID, got.TicketID)
	assert.Equal(t, ticket.EventID, got.EventID)
	assert.Equal(t, ticket.RecipientFingerprint, got.RecipientFingerprint)
	assert.True(t, ticket.IssuedAt.Equal(got.IssuedAt))
	assert.True(t, ticket.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, models.StatusIssued, got.Status)
	assert.Equal(t, int64(0), got.Version)
	assert.Nil(t, got.RedeemedAt)
	assert.Empty(t, got.RedeemedBy)
}

func testDuplicateCreate(t *testing.T, repo Store) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTicket("t-dup", "Conf2024")))

	err := repo.Create(ctx, newTicket("t-dup", "Conf2024"))
	assert.ErrorIs(t, err, status.ErrDuplicateTicket)
}

func testGetMissing(t *testing.T, repo Store) {
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func testConditionalUpdate(t *testing.T, repo Store) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTicket("t-cas", "Conf2024")))

	delivered := baseTime.Add(time.Minute)
	got, err := repo.ConditionalUpdate(ctx, "t-cas", 0, models.TicketUpdate{
		Status:      models.StatusDelivered,
		DeliveredAt: &delivered,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, delivered.Equal(*got.DeliveredAt))

	redeemed := baseTime.Add(2 * time.Hour)
	got, err = repo.ConditionalUpdate(ctx, "t-cas", 1, models.TicketUpdate{
		Status:     models.StatusRedeemed,
		RedeemedAt: &redeemed,
		RedeemedBy: "gate-A",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRedeemed, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "gate-A", got.RedeemedBy)
	require.NotNil(t, got.DeliveredAt, "earlier fields survive later updates")

	stored, err := repo.Get(ctx, "t-cas")
	require.NoError(t, err)
	assert.Equal(t, got.Version, stored.Version)
	require.NotNil(t, stored.RedeemedAt)
	assert.True(t, redeemed.Equal(*stored.RedeemedAt))
}

func testStaleVersion(t *testing.T, repo Store) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTicket("t-stale", "Conf2024")))

	now := baseTime
	_, err := repo.ConditionalUpdate(ctx, "t-stale", 5, models.TicketUpdate{
		Status:     models.StatusRedeemed,
		RedeemedAt: &now,
		RedeemedBy: "gate-A",
	})
	assert.ErrorIs(t, err, status.ErrVersionConflict)

	stored, err := repo.Get(ctx, "t-stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIssued, stored.Status)
	assert.Equal(t, int64(0), stored.Version)
}

func testUpdateMissing(t *testing.T, repo Store) {
	now := baseTime
	_, err := repo.ConditionalUpdate(context.Background(), "ghost", 0, models.TicketUpdate{
		Status:    models.StatusRevoked,
		RevokedAt: &now,
	})
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func testConcurrentCAS(t *testing.T, repo Store) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTicket("t-race", "Conf2024")))

	const workers = 16
	var wins, conflicts atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		gate := fmt.Sprintf("gate-%d", i)
		g.Go(func() error {
			now := baseTime.Add(time.Hour)
			_, err := repo.ConditionalUpdate(gctx, "t-race", 0, models.TicketUpdate{
				Status:     models.StatusRedeemed,
				RedeemedAt: &now,
				RedeemedBy: gate,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, status.ErrVersionConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())

	stored, err := repo.Get(ctx, "t-race")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func testStats(t *testing.T, repo Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newTicket(fmt.Sprintf("s-%d", i), "Stats2024")))
	}
	require.NoError(t, repo.Create(ctx, newTicket("other", "Other2024")))

	now := baseTime
	_, err := repo.ConditionalUpdate(ctx, "s-0", 0, models.TicketUpdate{
		Status:     models.StatusRedeemed,
		RedeemedAt: &now,
		RedeemedBy: "gate-A",
	})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, "Stats2024")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[models.StatusIssued])
	assert.Equal(t, int64(1), stats.ByStatus[models.StatusRedeemed])
}

func testAuditLog(t *testing.T, repo Store) {
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, repo.AppendVerification(ctx, models.Verification{
			TicketID:   fmt.Sprintf("a-%d", i),
			EventID:    "Audit2024",
			Redeemer:   "staff@example.com",
			DeviceID:   "scanner-1",
			Result:     models.ResultAdmitted,
			RemoteAddr: "10.0.0.7",
			At:         baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.AppendVerification(ctx, models.Verification{
		TicketID: "elsewhere",
		EventID:  "Other2024",
		Redeemer: "gate-B",
		Result:   models.ResultAlreadyFinalized,
		At:       baseTime,
	}))

	recent, err := repo.RecentVerifications(ctx, "Audit2024", 10)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.Equal(t, "a-11", recent[0].TicketID, "newest first")
	assert.Equal(t, "a-2", recent[9].TicketID)
	assert.Equal(t, "scanner-1", recent[0].DeviceID)
	assert.Equal(t, "10.0.0.7", recent[0].RemoteAddr)
	assert.Equal(t, models.ResultAdmitted, recent[0].Result)
	assert.True(t, baseTime.Add(11*time.Minute).Equal(recent[0].At))

	other, err := repo.RecentVerifications(ctx, "Other2024", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "gate-B", other[0].Redeemer)

	none, err := repo.RecentVerifications(ctx, "Nobody2024", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRepository_AuditLogIsBounded(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i := 0; i < maxAuditPerEvent+5; i++ {
		require.NoError(t, repo.AppendVerification(ctx, models.Verification{
			TicketID: fmt.Sprintf("b-%d", i),
			EventID:  "Busy2024",
			Result:   models.ResultAdmitted,
			At:       baseTime,
		}))
	}

	assert.Len(t, repo.audit["Busy2024"], maxAuditPerEvent)
	recent, err := repo.RecentVerifications(ctx, "Busy2024", 1)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("b-%d", maxAuditPerEvent+4), recent[0].TicketID)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(ctx, newTicket("t-copy", "Conf2024")))

	now := baseTime
	updated, err := repo.ConditionalUpdate(ctx, "t-copy", 0, models.TicketUpdate{
		Status:     models.StatusRedeemed,
		RedeemedAt: &now,
		RedeemedBy: "gate-A",
	})
	require.NoError(t, err)

	*updated.RedeemedAt = now.Add(time.Hour)
	stored, err := repo.Get(ctx, "t-copy")
	require.NoError(t, err)
	assert.True(t, now.Equal(*stored.RedeemedAt))
}

func TestMemoryRepository_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := NewMemoryRepository()
	assert.ErrorIs(t, repo.Create(ctx, newTicket("t", "e")), context.Canceled)
}

func TestConditionalUpdate_RejectsInvalidUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), newTicket("t-bad", "Conf2024")))

	_, err := repo.ConditionalUpdate(context.Background(), "t-bad", 0, models.TicketUpdate{Status: models.StatusRedeemed})
	assert.ErrorIs(t, err, status.ErrInvalidInput)
}
