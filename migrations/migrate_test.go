package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames_Sorted(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	assert.Equal(t, "0001_create_tickets.sql", names[0])
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}

func TestTicketsMigration_HasVersionColumn(t *testing.T) {
	body, err := migrationFiles.ReadFile("0001_create_tickets.sql")
	require.NoError(t, err)

	sql := string(body)
	assert.True(t, strings.Contains(sql, "version"))
	assert.True(t, strings.Contains(sql, "ticket_id             TEXT PRIMARY KEY"))
}
