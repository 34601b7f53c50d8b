package social

import (
	"github.com/gofiber/fiber/v2"

	"github.com/perimeter-labs/accounts"
)

// Controller exposes the OAuth dance over HTTP.
type Controller struct {
	Auth       *SocialAuthenticator
	Logger     accounts.Logger
	CookieName string
}

// NewController builds the social login controller.
func NewController(auth *SocialAuthenticator, cookieName string, logger accounts.Logger) *Controller {
	if cookieName == "" {
		cookieName = "jwt"
	}
	return &Controller{
		Auth:       auth,
		Logger:     logger,
		CookieName: cookieName,
	}
}

// RegisterRoutes mounts the social endpoints onto the auth group.
func (ct *Controller) RegisterRoutes(router fiber.Router) {
	router.Get("/social/:provider", ct.Begin)
	router.Get("/social/:provider/callback", ct.Callback)
}

// Begin sends the client to the provider's consent screen.
func (ct *Controller) Begin(c *fiber.Ctx) error {
	provider := c.Params("provider")

	redirect, err := ct.Auth.BeginAuth(c.UserContext(), provider, c.Query("redirect"))
	if err != nil {
		return accounts.WriteError(c, ct.Logger, err)
	}

	return c.Redirect(redirect.URL, fiber.StatusTemporaryRedirect)
}

// Callback completes the flow and hands the client a session.
func (ct *Controller) Callback(c *fiber.Ctx) error {
	provider := c.Params("provider")

	if errParam := c.Query("error"); errParam != "" {
		if ct.Logger != nil {
			ct.Logger.Warn("social callback returned error for %s: %s", provider, errParam)
		}
		return accounts.WriteError(c, ct.Logger, ErrTokenExchangeFailed)
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		return accounts.WriteError(c, ct.Logger, ErrInvalidState)
	}

	result, err := ct.Auth.CompleteAuth(c.UserContext(), provider, state, code)
	if err != nil {
		return accounts.WriteError(c, ct.Logger, err)
	}

	accounts.SetSessionCookie(c, ct.CookieName, result.SessionToken, ct.Auth.config.SessionTTL)

	if result.RedirectURL != "" {
		return c.Redirect(result.RedirectURL, fiber.StatusFound)
	}

	return c.JSON(fiber.Map{
		"email":    result.User.Email,
		"token":    result.SessionToken,
		"new_user": result.IsNewUser,
	})
}
