package accounts_test

import (
	"testing"

	"github.com/perimeter-labs/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	hash, err := accounts.HashPassword("s3cr3t-passphrase")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, "s3cr3t-passphrase", hash)

	again, err := accounts.HashPassword("s3cr3t-passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "bcrypt salts should differ between calls")
}

func TestHashPasswordRejectsEmptyString(t *testing.T) {
	_, err := accounts.HashPassword("")
	assert.ErrorIs(t, err, accounts.ErrNoEmptyString)
}

func TestComparePasswordAndHash(t *testing.T) {
	hash, err := accounts.HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.NoError(t, accounts.ComparePasswordAndHash("correct horse battery staple", hash))

	err = accounts.ComparePasswordAndHash("wrong password", hash)
	assert.ErrorIs(t, err, accounts.ErrMismatchedHashAndPassword)

	err = accounts.ComparePasswordAndHash("anything", "not-a-bcrypt-hash")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, accounts.ErrMismatchedHashAndPassword)
}
