package main

import (
	"context"
	"testing"
	"time"

	"labelflow/internal/auth"
	"labelflow/internal/repository"
	"labelflow/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAdmin(t *testing.T) {
	ctx := context.Background()
	users := repository.NewUserRepository(testutil.NewSQLiteDB(t))
	tokens := auth.NewTokenService("test-secret", users)

	admin, token, err := createAdmin(ctx, users, tokens, "root", "s3cret", "root@example.com", time.Hour)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.True(t, admin.IsActive)
	assert.NoError(t, auth.VerifyPassword(admin.HashedPassword, "s3cret"))

	resolved, err := tokens.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, resolved.ID)

	_, _, err = createAdmin(ctx, users, tokens, "root", "other", "x@example.com", time.Hour)
	assert.ErrorIs(t, err, errUserExists)

	stored, err := users.GetByUsername(ctx, "root")
	require.NoError(t, err)
	assert.NoError(t, auth.VerifyPassword(stored.HashedPassword, "s3cret"), "existing account is untouched")
}
