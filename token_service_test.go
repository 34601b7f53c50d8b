package accounts_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/perimeter-labs/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func newTestTokenService(t *testing.T) *accounts.TokenServiceImpl {
	t.Helper()
	service, err := accounts.NewTokenService(testSigningKey, 10*time.Hour, "accounts-test", nil, nil)
	require.NoError(t, err)
	return service
}

func TestNewTokenServiceRejectsShortKeys(t *testing.T) {
	_, err := accounts.NewTokenService([]byte("too-short"), time.Hour, "accounts-test", nil, nil)
	assert.Error(t, err)

	_, err = accounts.NewTokenService(nil, time.Hour, "accounts-test", nil, nil)
	assert.Error(t, err)
}

func TestTokenServiceSignAndValidate(t *testing.T) {
	service := newTestTokenService(t)

	tokenString, err := service.Sign("user@example.com", "pub-123", 0)
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	claims, err := service.Validate(tokenString)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", claims.Subject())
	assert.Equal(t, "pub-123", claims.UserID())
	assert.WithinDuration(t, time.Now().Add(10*time.Hour), claims.Expires(), time.Minute)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt(), time.Minute)
}

func TestTokenServiceSignHonorsExplicitTTL(t *testing.T) {
	service := newTestTokenService(t)

	tokenString, err := service.Sign("user@example.com", "pub-123", 24*time.Hour)
	require.NoError(t, err)

	claims, err := service.Validate(tokenString)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.Expires(), time.Minute)
}

func TestTokenServiceValidateExpiredToken(t *testing.T) {
	service := newTestTokenService(t)

	tokenString, err := service.Sign("user@example.com", "pub-123", -time.Minute)
	require.NoError(t, err)

	_, err = service.Validate(tokenString)
	require.Error(t, err)
	assert.ErrorIs(t, err, accounts.ErrTokenExpired)
	assert.True(t, accounts.IsTokenExpiredError(err))
}

func TestTokenServiceValidateTamperedToken(t *testing.T) {
	service := newTestTokenService(t)

	tokenString, err := service.Sign("user@example.com", "pub-123", 0)
	require.NoError(t, err)

	parts := strings.Split(tokenString, ".")
	require.Len(t, parts, 3)

	sig := parts[2]
	flipped := byte('A')
	if sig[0] == 'A' {
		flipped = 'B'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(flipped) + sig[1:]

	_, err = service.Validate(tampered)
	assert.Error(t, err)
	assert.True(t, accounts.IsMalformedError(err))
}

func TestTokenServiceValidateGarbage(t *testing.T) {
	service := newTestTokenService(t)

	_, err := service.Validate("not-a-jwt")
	assert.Error(t, err)
	assert.True(t, accounts.IsMalformedError(err))
}

func TestTokenServiceRejectsForeignSigningMethod(t *testing.T) {
	service := newTestTokenService(t)

	// alg:none tokens must never validate, whatever their payload says.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &accounts.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "accounts-test",
			Subject:   "user@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tokenString, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.Validate(tokenString)
	assert.Error(t, err)
}

func TestTokenServiceValidateWrongIssuer(t *testing.T) {
	issuerA, err := accounts.NewTokenService(testSigningKey, time.Hour, "issuer-a", nil, nil)
	require.NoError(t, err)
	issuerB, err := accounts.NewTokenService(testSigningKey, time.Hour, "issuer-b", nil, nil)
	require.NoError(t, err)

	tokenString, err := issuerA.Sign("user@example.com", "pub-123", 0)
	require.NoError(t, err)

	_, err = issuerB.Validate(tokenString)
	assert.Error(t, err)
}

func TestJWTClaimsUserIDFallsBackToSubject(t *testing.T) {
	claims := &accounts.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user@example.com"},
	}
	assert.Equal(t, "user@example.com", claims.UserID())

	claims.UID = "pub-123"
	assert.Equal(t, "pub-123", claims.UserID())
}
