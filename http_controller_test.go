package accounts_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeter-labs/accounts"
)

type testConfig struct{}

func (testConfig) GetSigningKey() string              { return string(testSigningKey) }
func (testConfig) GetSigningMethod() string           { return "HS256" }
func (testConfig) GetContextKey() string              { return "user" }
func (testConfig) GetCookieName() string              { return "jwt" }
func (testConfig) GetSessionTTL() time.Duration       { return 10 * time.Hour }
func (testConfig) GetSignupSessionTTL() time.Duration { return 24 * time.Hour }
func (testConfig) GetVerifyTokenTTL() time.Duration   { return 24 * time.Hour }
func (testConfig) GetResetTokenTTL() time.Duration    { return 15 * time.Minute }
func (testConfig) GetTokenLookup() string             { return "header:Authorization,cookie:jwt" }
func (testConfig) GetAuthScheme() string              { return "Bearer" }
func (testConfig) GetIssuer() string                  { return "accounts-test" }
func (testConfig) GetAudience() []string              { return nil }

type capturedNotification struct {
	Email string
	Token string
	Kind  accounts.NotificationKind
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedNotification
}

func (n *captureNotifier) Send(_ context.Context, email, token string, kind accounts.NotificationKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedNotification{Email: email, Token: token, Kind: kind})
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// waitForNew blocks until a delivery lands past the baseline; notifications
// fire after the transaction, off the request goroutine.
func (n *captureNotifier) waitForNew(t *testing.T, baseline int) capturedNotification {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.count() > baseline
	}, 2*time.Second, 10*time.Millisecond)

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type httpFixture struct {
	app      *fiber.App
	repo     accounts.RepositoryManager
	notifier *captureNotifier
}

func setupHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()

	repo, _ := setupRepoManager(t)
	require.NoError(t, repo.Roles().Seed(context.Background(), accounts.RoleUser, accounts.RoleAdmin))

	cfg := testConfig{}
	service, err := accounts.NewTokenService([]byte(cfg.GetSigningKey()), cfg.GetSessionTTL(), cfg.GetIssuer(), nil, nil)
	require.NoError(t, err)

	provider := accounts.NewUserProvider(repo.Users(), repo.Roles())
	auther := accounts.NewAuthenticator(provider, service)

	notifier := &captureNotifier{}

	app := fiber.New()
	controller := accounts.NewAuthController(repo, auther, service, cfg,
		accounts.WithControllerNotifier(notifier),
	)
	controller.RegisterRoutes(app)

	return &httpFixture{app: app, repo: repo, notifier: notifier}
}

func (f *httpFixture) do(t *testing.T, method, path string, body any, decorate ...func(*http.Request)) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for _, d := range decorate {
		d(req)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)

	decoded := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}

	return resp, decoded
}

func withBearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
}

// registerViaHTTP registers an account and returns its provisional session
// token and the emailed verify token.
func (f *httpFixture) registerViaHTTP(t *testing.T, email, password string) (string, string) {
	t.Helper()

	baseline := f.notifier.count()
	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/register", map[string]any{
		"name":     "HTTP Tester",
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["token"])

	notification := f.notifier.waitForNew(t, baseline)
	require.Equal(t, accounts.NotificationVerifyLink, notification.Kind)
	require.Equal(t, email, notification.Email)

	return body["token"].(string), notification.Token
}

func TestHTTPRegisterLoginLifecycle(t *testing.T) {
	f := setupHTTPFixture(t)

	signupToken, verifyToken := f.registerViaHTTP(t, "http-user@example.com", "password-123")

	// the provisional session authenticates but the account is unverified,
	// so password login stays blocked
	resp, body := f.do(t, http.MethodGet, "/api/v1/auth/is-authenticated", nil, withBearer(signupToken))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authenticated"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "http-user@example.com",
		"password":   "password-123",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, true, body["error"])
	assert.Equal(t, accounts.TextCodeNotVerified, body["code"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/auth/verify?token="+verifyToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http-user@example.com", body["email"])
	assert.Equal(t, false, body["email_changed"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "http-user@example.com",
		"password":   "password-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["token"])
}

func TestHTTPLoginFailures(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "known@example.com", "password-123", true)

	t.Run("wrong password", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
			"identifier": "known@example.com",
			"password":   "nope",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid credentials", body["message"])
	})

	t.Run("unknown account reads the same", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
			"identifier": "unknown@example.com",
			"password":   "nope",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid credentials", body["message"])
	})

	t.Run("invalid payload", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
			"identifier": "not-an-email",
			"password":   "x",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHTTPRegisterValidationAndConflicts(t *testing.T) {
	f := setupHTTPFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/register", map[string]any{
		"name":     "Short",
		"email":    "short@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.registerViaHTTP(t, "dupe@example.com", "password-123")

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/register", map[string]any{
		"name":     "Dupe",
		"email":    "dupe@example.com",
		"password": "password-123",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, accounts.TextCodeEmailUnverified, body["code"])
}

func TestHTTPVerifyRejectsBadTokens(t *testing.T) {
	f := setupHTTPFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/auth/verify?token=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, accounts.TextCodeTokenInvalid, body["code"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/auth/verify", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPPasswordResetFlow(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "resettable@example.com", "old-password", true)

	baseline := f.notifier.count()
	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/request-password-reset", map[string]any{
		"email": "resettable@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notification := f.notifier.waitForNew(t, baseline)
	require.Equal(t, accounts.NotificationResetLink, notification.Kind)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/reset-password", map[string]any{
		"token":        notification.Token,
		"new_password": "brand-new-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "resettable@example.com",
		"password":   "brand-new-password",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// spent token cannot be replayed
	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/reset-password", map[string]any{
		"token":        notification.Token,
		"new_password": "yet-another-password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, accounts.TextCodeTokenInvalid, body["code"])
}

func TestHTTPPasswordResetUnknownEmail(t *testing.T) {
	f := setupHTTPFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/request-password-reset", map[string]any{
		"email": "missing@example.com",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPProfileRequiresAuth(t *testing.T) {
	f := setupHTTPFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/profile/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPProfileShowAndUpdate(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "me@example.com", "password-123", true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "me@example.com",
		"password":   "password-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := body["token"].(string)

	resp, body = f.do(t, http.MethodGet, "/api/v1/profile/me", nil, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "me@example.com", body["email"])

	resp, body = f.do(t, http.MethodPut, "/api/v1/profile/me", map[string]any{
		"name":  "Renamed",
		"phone": "+14155552671",
	}, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", body["name"])
}

func TestHTTPChangePasswordFlow(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "changer@example.com", "password-123", true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "changer@example.com",
		"password":   "password-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := body["token"].(string)

	baseline := f.notifier.count()
	resp, _ = f.do(t, http.MethodPost, "/api/v1/profile/change-password/init", map[string]any{
		"old_password": "password-123",
	}, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notification := f.notifier.waitForNew(t, baseline)
	require.Equal(t, accounts.NotificationPasswordCode, notification.Kind)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/profile/change-password/verify", map[string]any{
		"otp":          notification.Token,
		"new_password": "rotated-password",
	}, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "changer@example.com",
		"password":   "rotated-password",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPChangePasswordWrongCurrent(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "wrongcur@example.com", "password-123", true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "wrongcur@example.com",
		"password":   "password-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := body["token"].(string)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/profile/change-password/init", map[string]any{
		"old_password": "not-it",
	}, withBearer(session))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPChangeEmailFlow(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "old-addr@example.com", "password-123", true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "old-addr@example.com",
		"password":   "password-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := body["token"].(string)

	baseline := f.notifier.count()
	resp, _ = f.do(t, http.MethodPost, "/api/v1/profile/change-email/init", map[string]any{
		"new_email": "new-addr@example.com",
		"password":  "password-123",
	}, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notification := f.notifier.waitForNew(t, baseline)
	require.Equal(t, accounts.NotificationEmailChangeCode, notification.Kind)
	assert.Equal(t, "new-addr@example.com", notification.Email, "code goes to the address being claimed")

	resp, body = f.do(t, http.MethodPost, "/api/v1/profile/change-email/verify", map[string]any{
		"otp": notification.Token,
	}, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new-addr@example.com", body["email"])
	freshSession := body["token"].(string)

	// the old session subject no longer resolves; the fresh one does
	resp, body = f.do(t, http.MethodGet, "/api/v1/auth/is-authenticated", nil, withBearer(session))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["authenticated"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/auth/is-authenticated", nil, withBearer(freshSession))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authenticated"])
}

func TestHTTPResendVerification(t *testing.T) {
	f := setupHTTPFixture(t)

	f.registerViaHTTP(t, "resend@example.com", "password-123")

	baseline := f.notifier.count()
	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/resend-verification", map[string]any{
		"email": "resend@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notification := f.notifier.waitForNew(t, baseline)
	assert.Equal(t, accounts.NotificationVerifyLink, notification.Kind)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/resend-verification", map[string]any{
		"email": "missing@example.com",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPLogoutClearsCookie(t *testing.T) {
	f := setupHTTPFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessionCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "jwt" {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.Empty(t, sessionCookie.Value)
}

func TestHTTPIsAuthenticatedAnonymous(t *testing.T) {
	f := setupHTTPFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/auth/is-authenticated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["authenticated"])
}

func TestHTTPLoginSetsSessionCookie(t *testing.T) {
	f := setupHTTPFixture(t)

	createTestUser(t, f.repo, "cookie@example.com", "password-123", true)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "cookie@example.com",
		"password":   "password-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessionCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "jwt" {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.NotEmpty(t, sessionCookie.Value)
	assert.True(t, sessionCookie.HttpOnly)
}

func TestHTTPPrincipalReachesRequestContext(t *testing.T) {
	f := setupHTTPFixture(t)

	// a handler below the fiber layer sees the principal through the plain
	// request context, not just through Locals
	f.app.Get("/inspect-session", func(c *fiber.Ctx) error {
		user, ok := accounts.FromContext(c.UserContext())
		if !ok {
			return c.JSON(fiber.Map{"authenticated": false})
		}
		claims, ok := accounts.GetClaims(c.UserContext())
		require.True(t, ok)
		return c.JSON(fiber.Map{
			"authenticated": true,
			"email":         user.Email,
			"subject":       claims.Subject(),
		})
	})

	createTestUser(t, f.repo, "inspect@example.com", "password-123", true)
	_, loginBody := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"identifier": "inspect@example.com",
		"password":   "password-123",
	})
	token, _ := loginBody["token"].(string)
	require.NotEmpty(t, token)

	resp, body := f.do(t, http.MethodGet, "/inspect-session", nil, withBearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "inspect@example.com", body["email"])
	assert.Equal(t, "inspect@example.com", body["subject"])

	resp, body = f.do(t, http.MethodGet, "/inspect-session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["authenticated"])
}
