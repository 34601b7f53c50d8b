package accounts_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/perimeter-labs/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActionToken(t *testing.T) {
	token := accounts.NewActionToken(time.Hour)

	_, err := uuid.Parse(token.Value)
	assert.NoError(t, err, "link tokens should be UUIDs")

	assert.False(t, token.Expired(time.Now()))
	assert.True(t, token.Expired(time.Now().Add(2*time.Hour)))
}

func TestNewActionCode(t *testing.T) {
	code, err := accounts.NewActionCode(15 * time.Minute)
	require.NoError(t, err)

	assert.Len(t, code.Value, 6)
	for _, r := range code.Value {
		assert.True(t, r >= '0' && r <= '9', "code should be numeric, got %q", code.Value)
	}

	assert.False(t, code.Expired(time.Now()))
	assert.True(t, code.Expired(time.Now().Add(16*time.Minute)))
}

func TestActionCodesAreNotConstant(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		code, err := accounts.NewActionCode(time.Minute)
		require.NoError(t, err)
		seen[code.Value] = true
	}

	assert.Greater(t, len(seen), 1, "twenty draws should not collapse to a single code")
}
