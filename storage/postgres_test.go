package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testPostgres connects to TEST_DATABASE_URL and skips when it is unset or
// unreachable.
func testPostgres(t *testing.T) *SQLStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := Open(ctx, Options{Driver: "pgx", DSN: dsn, QueryTimeout: 5 * time.Second}, zap.NewNop())
	if err != nil {
		t.Skipf("test database not reachable: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresInsertAndQuery(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	// Unique device id keeps runs against a shared database independent.
	device := "pg-" + uuid.NewString()
	id := uuid.NewString()

	out, err := s.InsertSnapshot(ctx, Message{
		MessageID: id, Timestamp: 1000.25, DeviceID: device, Source: "local", ReceivedAt: 1001,
	}, readings("cpu", 10.0, "ram", 20.0))
	require.NoError(t, err)
	assert.Equal(t, InsertOutcome{Count: 2}, out)

	out, err = s.InsertSnapshot(ctx, Message{
		MessageID: id, Timestamp: 1000.25, DeviceID: device, Source: "local", ReceivedAt: 1002,
	}, readings("cpu", 10.0, "ram", 20.0))
	require.NoError(t, err)
	assert.Equal(t, InsertOutcome{Duplicate: true, Count: 2}, out)

	got, err := s.QueryMessages(ctx, Filter{DeviceID: device})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1000.25, got[0].Timestamp)
	require.Len(t, got[0].Readings, 2)
	assert.Equal(t, "cpu", got[0].Readings[0].Name)
	assert.Equal(t, "ram", got[0].Readings[1].Name)
}
