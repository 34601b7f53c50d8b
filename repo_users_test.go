package accounts_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeter-labs/accounts"
)

func TestUsersCreateAppliesDefaults(t *testing.T) {
	repo, _ := setupRepoManager(t)

	user := createTestUser(t, repo, "alice@example.com", "password-1", false)

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.NotEmpty(t, user.PublicID)
	assert.Equal(t, accounts.ProviderLocal, user.AuthProvider)
	assert.False(t, user.IsVerified)
}

func TestUsersGetByIdentifier(t *testing.T) {
	repo, _ := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "bob@example.com", "password-1", true)

	t.Run("by email", func(t *testing.T) {
		found, err := repo.Users().GetByIdentifier(ctx, "bob@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)
	})

	t.Run("by id", func(t *testing.T) {
		found, err := repo.Users().GetByIdentifier(ctx, user.ID.String())
		require.NoError(t, err)
		assert.Equal(t, user.Email, found.Email)
	})

	t.Run("by public id", func(t *testing.T) {
		found, err := repo.Users().GetByIdentifier(ctx, user.PublicID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, found.ID)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		_, err := repo.Users().GetByIdentifier(ctx, "nobody@example.com")
		require.Error(t, err)
		assert.True(t, repository.IsRecordNotFound(err))
	})
}

func TestStoreActionTokenOverwritesPreviousToken(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "carol@example.com", "password-1", false)

	first := accounts.NewActionToken(accounts.DefaultVerifyTokenTTL)
	_, err := repo.Users().StoreActionTokenTx(ctx, db, user.ID, accounts.PurposeVerify, first.Value, first.ExpiresAt)
	require.NoError(t, err)

	second := accounts.NewActionToken(accounts.DefaultVerifyTokenTTL)
	updated, err := repo.Users().StoreActionTokenTx(ctx, db, user.ID, accounts.PurposeVerify, second.Value, second.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, second.Value, updated.VerifyToken)

	// the superseded token must no longer consume
	_, err = repo.Users().ConsumeVerifyTokenTx(ctx, db, first.Value)
	require.Error(t, err)
	assert.True(t, repository.IsRecordNotFound(err))

	consumed, err := repo.Users().ConsumeVerifyTokenTx(ctx, db, second.Value)
	require.NoError(t, err)
	assert.True(t, consumed.IsVerified)
	assert.Empty(t, consumed.VerifyToken)
}

func TestConsumeVerifyTokenIsSingleUse(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "dave@example.com", "password-1", false)

	token := accounts.NewActionToken(accounts.DefaultVerifyTokenTTL)
	_, err := repo.Users().StoreActionTokenTx(ctx, db, user.ID, accounts.PurposeVerify, token.Value, token.ExpiresAt)
	require.NoError(t, err)

	consumed, err := repo.Users().ConsumeVerifyTokenTx(ctx, db, token.Value)
	require.NoError(t, err)
	assert.True(t, consumed.IsVerified)

	_, err = repo.Users().ConsumeVerifyTokenTx(ctx, db, token.Value)
	require.Error(t, err)
	assert.True(t, repository.IsRecordNotFound(err))
}

func TestConsumeVerifyTokenExpiredLeavesTokenInPlace(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "erin@example.com", "password-1", false)

	expired := time.Now().Add(-time.Minute).UnixMilli()
	_, err := repo.Users().StoreActionTokenTx(ctx, db, user.ID, accounts.PurposeVerify, "stale-token", expired)
	require.NoError(t, err)

	_, err = repo.Users().ConsumeVerifyTokenTx(ctx, db, "stale-token")
	require.Error(t, err)
	assert.True(t, repository.IsRecordNotFound(err))

	// the slot still holds the stale token so verification state can be
	// inspected or the token reissued
	found, err := repo.Users().GetByActionToken(ctx, accounts.PurposeVerify, "stale-token")
	require.NoError(t, err)
	assert.False(t, found.IsVerified)
	assert.Equal(t, "stale-token", found.VerifyToken)
}

func TestConsumeResetTokenSwapsPasswordAndVerifies(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "frank@example.com", "old-password", false)

	token := accounts.NewActionToken(accounts.DefaultResetTokenTTL)
	_, err := repo.Users().StoreActionTokenTx(ctx, db, user.ID, accounts.PurposeReset, token.Value, token.ExpiresAt)
	require.NoError(t, err)

	newHash, err := accounts.HashPassword("new-password")
	require.NoError(t, err)

	updated, err := repo.Users().ConsumeResetTokenTx(ctx, db, token.Value, newHash)
	require.NoError(t, err)

	assert.True(t, updated.IsVerified, "mailbox proof should verify the account")
	assert.Equal(t, 0, updated.LoginAttempts)
	assert.NoError(t, accounts.ComparePasswordAndHash("new-password", updated.PasswordHash))

	_, err = repo.Users().ConsumeResetTokenTx(ctx, db, token.Value, newHash)
	require.Error(t, err)
	assert.True(t, repository.IsRecordNotFound(err))
}

func TestConsumeResetTokenForEmailScopesToAccount(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	owner := createTestUser(t, repo, "gina@example.com", "password-1", true)
	createTestUser(t, repo, "hank@example.com", "password-2", true)

	code, err := accounts.NewActionCode(accounts.DefaultChangeCodeTTL)
	require.NoError(t, err)
	_, err = repo.Users().StoreActionTokenTx(ctx, db, owner.ID, accounts.PurposeReset, code.Value, code.ExpiresAt)
	require.NoError(t, err)

	hash, err := accounts.HashPassword("replacement")
	require.NoError(t, err)

	// another account cannot spend the owner's code
	_, err = repo.Users().ConsumeResetTokenForEmailTx(ctx, db, "hank@example.com", code.Value, hash)
	require.Error(t, err)
	assert.True(t, repository.IsRecordNotFound(err))

	updated, err := repo.Users().ConsumeResetTokenForEmailTx(ctx, db, "gina@example.com", code.Value, hash)
	require.NoError(t, err)
	assert.NoError(t, accounts.ComparePasswordAndHash("replacement", updated.PasswordHash))
}

func TestEmailChangeTokenSwapsAddressWithoutTouchingVerification(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "ivy@example.com", "password-1", true)

	code, err := accounts.NewActionCode(accounts.DefaultChangeCodeTTL)
	require.NoError(t, err)
	_, err = repo.Users().SetPendingEmailTx(ctx, db, user.ID, "ivy-new@example.com", code.Value, code.ExpiresAt)
	require.NoError(t, err)

	// a pending change must not hijack the plain verify path
	_, err = repo.Users().ConsumeVerifyTokenTx(ctx, db, code.Value)
	require.Error(t, err)

	updated, err := repo.Users().ConsumeEmailChangeTokenForEmailTx(ctx, db, "ivy@example.com", code.Value)
	require.NoError(t, err)

	assert.Equal(t, "ivy-new@example.com", updated.Email)
	assert.Empty(t, updated.PendingEmail)
	assert.True(t, updated.IsVerified)

	_, err = repo.Users().ConsumeEmailChangeTokenForEmailTx(ctx, db, "ivy-new@example.com", code.Value)
	require.Error(t, err)
	assert.True(t, repository.IsRecordNotFound(err))
}

func TestTrackLoginAttempts(t *testing.T) {
	repo, _ := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "judy@example.com", "password-1", true)

	require.NoError(t, repo.Users().TrackAttemptedLogin(ctx, user))

	found, err := repo.Users().GetByIdentifier(ctx, "judy@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, found.LoginAttempts)
	assert.NotNil(t, found.LoginAttemptAt)

	require.NoError(t, repo.Users().TrackAttemptedLogin(ctx, found))

	found, err = repo.Users().GetByIdentifier(ctx, "judy@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, found.LoginAttempts)

	require.NoError(t, repo.Users().TrackSuccessfulLogin(ctx, found))

	found, err = repo.Users().GetByIdentifier(ctx, "judy@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, found.LoginAttempts)
	assert.Nil(t, found.LoginAttemptAt)
	assert.NotNil(t, found.LoggedInAt)
}

func TestGetOrCreateReturnsExistingAccount(t *testing.T) {
	repo, _ := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "kara@example.com", "password-1", true)

	got, err := repo.Users().GetOrCreate(ctx, &accounts.User{Email: "kara@example.com"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestDuplicateEmailInsertIsUniqueViolation(t *testing.T) {
	repo, _ := setupRepoManager(t)
	ctx := context.Background()

	createTestUser(t, repo, "liam@example.com", "password-1", true)

	_, err := repo.Users().Create(ctx, &accounts.User{
		Name:  "Second Liam",
		Email: "liam@example.com",
	})
	require.Error(t, err)
	assert.True(t, accounts.IsUniqueViolation(err))
	assert.False(t, accounts.IsUniqueViolation(nil))
}
