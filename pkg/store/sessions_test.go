package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errlyhq/errly/pkg/models"
)

func TestSessions_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessionStore(newTestDB(t))
	expiry := models.NowMillis() + time.Hour.Milliseconds()

	created, err := sessions.Create(ctx, "hash-1", expiry)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", created.ID)

	got, err := sessions.Get(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, expiry, got.ExpiresAt)
	assert.False(t, got.Expired(models.NowMillis()))

	require.NoError(t, sessions.Delete(ctx, "hash-1"))
	_, err = sessions.Get(ctx, "hash-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_CreateRequiresHash(t *testing.T) {
	sessions := NewSessionStore(newTestDB(t))
	_, err := sessions.Create(context.Background(), "", 1)
	assert.True(t, IsValidationError(err))
}

func TestSessions_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessionStore(newTestDB(t))
	now := models.NowMillis()

	_, err := sessions.Create(ctx, "stale", now-1)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, "live", now+time.Hour.Milliseconds())
	require.NoError(t, err)

	deleted, err := sessions.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = sessions.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestSessions_DeleteAll(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessionStore(newTestDB(t))
	now := models.NowMillis()

	_, err := sessions.Create(ctx, "a", now+1000)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, "b", now+1000)
	require.NoError(t, err)

	deleted, err := sessions.DeleteAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
}
