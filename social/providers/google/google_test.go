package google_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeter-labs/accounts/social"
	"github.com/perimeter-labs/accounts/social/providers/google"
)

func newProvider(t *testing.T, tokenHandler, userInfoHandler http.HandlerFunc) *google.Provider {
	t.Helper()

	mux := http.NewServeMux()
	if tokenHandler != nil {
		mux.HandleFunc("/token", tokenHandler)
	}
	if userInfoHandler != nil {
		mux.HandleFunc("/userinfo", userInfoHandler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return google.New(google.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "https://app.test/api/v1/auth/google/callback",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		HTTPClient:   srv.Client(),
	})
}

func TestAuthCodeURL(t *testing.T) {
	provider := google.New(google.Config{
		ClientID:    "client-id",
		CallbackURL: "https://app.test/callback",
	})

	raw := provider.AuthCodeURL("opaque-state")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "accounts.google.com", parsed.Host)
	q := parsed.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://app.test/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "opaque-state", q.Get("state"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
}

func TestExchange(t *testing.T) {
	var gotForm url.Values
	provider := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-123",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-456",
			"scope":         "openid email",
			"id_token":      "idt-789",
		})
	}, nil)

	token, err := provider.Exchange(context.Background(), "the-code")
	require.NoError(t, err)

	assert.Equal(t, "at-123", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, "rt-456", token.RefreshToken)
	assert.False(t, token.ExpiresAt.IsZero())
	assert.Equal(t, []string{"openid", "email"}, token.Scopes)
	assert.Equal(t, "idt-789", token.Raw["id_token"])

	assert.Equal(t, "the-code", gotForm.Get("code"))
	assert.Equal(t, "client-id", gotForm.Get("client_id"))
	assert.Equal(t, "client-secret", gotForm.Get("client_secret"))
	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
}

func TestExchangeProviderError(t *testing.T) {
	provider := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "code already redeemed",
		})
	}, nil)

	_, err := provider.Exchange(context.Background(), "stale-code")
	require.Error(t, err)

	var provErr *social.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "google", provErr.Provider)
	assert.Equal(t, "exchange", provErr.Operation)
	assert.Equal(t, "invalid_grant", provErr.Code)
	assert.Contains(t, provErr.Error(), "code already redeemed")
}

func TestExchangeMissingAccessToken(t *testing.T) {
	provider := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token_type": "Bearer"})
	}, nil)

	_, err := provider.Exchange(context.Background(), "code")
	require.Error(t, err)

	var provErr *social.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "missing_access_token", provErr.Code)
}

func TestUserInfo(t *testing.T) {
	provider := newProvider(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-123", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"sub":            "sub-1",
			"email":          "person@example.com",
			"email_verified": true,
			"name":           "Person Example",
			"picture":        "https://lh3.test/photo.jpg",
		})
	})

	profile, err := provider.UserInfo(context.Background(), &social.Token{AccessToken: "at-123"})
	require.NoError(t, err)

	assert.Equal(t, "sub-1", profile.ProviderUserID)
	assert.Equal(t, "google", profile.Provider)
	assert.Equal(t, "person@example.com", profile.Email)
	assert.True(t, profile.EmailVerified)
	assert.Equal(t, "Person Example", profile.Name)
	assert.Equal(t, "https://lh3.test/photo.jpg", profile.AvatarURL)
}

func TestUserInfoNonOK(t *testing.T) {
	provider := newProvider(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid credentials"))
	})

	_, err := provider.UserInfo(context.Background(), &social.Token{AccessToken: "expired"})
	require.Error(t, err)

	var provErr *social.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "user_info", provErr.Operation)
	assert.Equal(t, http.StatusUnauthorized, provErr.Status)
	assert.True(t, strings.Contains(provErr.Description, "invalid credentials"))
}
