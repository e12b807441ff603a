package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store"
)

// Set VAI_STUDIO_TEST_PG_DSN to run against a real database.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VAI_STUDIO_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("VAI_STUDIO_TEST_PG_DSN not set")
	}
	return dsn
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, testDSN(t), true)
	require.NoError(t, err)
	defer s.Close()

	key := "test/" + uuid.NewString() + ".media"
	ref, err := s.Put(ctx, key, []byte{1, 2, 3}, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, key, ref.Key)
	assert.False(t, ref.StoredAt.IsZero())

	data, ct, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "application/octet-stream", ct)

	_, _, err = s.Get(ctx, "test/"+uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
