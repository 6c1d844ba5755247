package repository

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRepository{}, store)

	store, err = Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRepository{}, store)

	store, err = Open(ctx, Options{Backend: BackendSQLite})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteRepository{}, store)
	assert.NoError(t, store.Close())

	db, _ := redismock.NewClientMock()
	store, err = Open(ctx, Options{Backend: BackendRedis, Redis: db})
	require.NoError(t, err)
	assert.IsType(t, &RedisRepository{}, store)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Options{Backend: BackendRedis})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: BackendPostgres})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: "cassandra"})
	assert.ErrorContains(t, err, "unsupported store backend")
}

func TestSupportedBackends(t *testing.T) {
	assert.ElementsMatch(t,
		[]Backend{BackendMemory, BackendRedis, BackendSQLite, BackendPostgres},
		SupportedBackends(),
	)
}
