package accounts

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"

	"github.com/perimeter-labs/accounts/middleware/jwtware"
)

// AuthController wires the lifecycle commands to the HTTP surface.
type AuthController struct {
	Debug        bool
	Logger       Logger
	Repo         RepositoryManager
	Auther       Authenticator
	TokenService TokenService
	Config       Config
	Notifier     Notifier
	Activity     ActivitySink

	register       *RegisterUserHandler
	resendVerify   *ResendVerificationHandler
	verifyEmail    *VerifyEmailHandler
	resetInit      *InitializePasswordResetHandler
	resetFinalize  *FinalizePasswordResetHandler
	changePassInit *InitializeChangePasswordHandler
	changePassDone *FinalizeChangePasswordHandler
	changeMailInit *InitializeChangeEmailHandler
	changeMailDone *FinalizeChangeEmailHandler
	updateProfile  *UpdateProfileHandler
}

type AuthControllerOption func(*AuthController) *AuthController

func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

func WithControllerNotifier(n Notifier) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Notifier = normalizeNotifier(n)
		return c
	}
}

func WithControllerActivitySink(sink ActivitySink) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Activity = normalizeActivitySink(sink)
		return c
	}
}

func WithControllerDebug(debug bool) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Debug = debug
		return c
	}
}

func NewAuthController(repo RepositoryManager, auther Authenticator, tokenService TokenService, cfg Config, opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger:       defLogger{},
		Repo:         repo,
		Auther:       auther,
		TokenService: tokenService,
		Config:       cfg,
		Notifier:     noopNotifier{},
		Activity:     noopActivitySink{},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Repo == nil {
		panic("Missing RepositoryManager in auth controller...")
	}

	if c.Auther == nil {
		panic("Missing Authenticator in auth controller...")
	}

	c.register = NewRegisterUserHandler(repo).WithNotifier(c.Notifier).WithActivitySink(c.Activity).WithLogger(c.Logger)
	c.resendVerify = NewResendVerificationHandler(repo).WithNotifier(c.Notifier).WithLogger(c.Logger)
	c.verifyEmail = NewVerifyEmailHandler(repo).WithActivitySink(c.Activity).WithLogger(c.Logger)
	c.resetInit = NewInitializePasswordResetHandler(repo).WithNotifier(c.Notifier).WithActivitySink(c.Activity).WithLogger(c.Logger)
	c.resetFinalize = NewFinalizePasswordResetHandler(repo).WithActivitySink(c.Activity).WithLogger(c.Logger)
	c.changePassInit = NewInitializeChangePasswordHandler(repo).WithNotifier(c.Notifier).WithLogger(c.Logger)
	c.changePassDone = NewFinalizeChangePasswordHandler(repo).WithActivitySink(c.Activity).WithLogger(c.Logger)
	c.changeMailInit = NewInitializeChangeEmailHandler(repo).WithNotifier(c.Notifier).WithLogger(c.Logger)
	c.changeMailDone = NewFinalizeChangeEmailHandler(repo).WithActivitySink(c.Activity).WithLogger(c.Logger)
	c.updateProfile = NewUpdateProfileHandler(repo).WithLogger(c.Logger)

	return c
}

// tokenValidatorAdapter bridges the accounts claims type into the middleware
// package, which keeps its own minimal interfaces to avoid import cycles.
type tokenValidatorAdapter struct {
	ts TokenService
}

func (v tokenValidatorAdapter) Validate(raw string) (jwtware.AuthClaims, error) {
	claims, err := v.ts.Validate(raw)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// PrincipalResolver re-resolves the account behind validated claims so stale
// tokens for deleted accounts stop working.
func (a *AuthController) PrincipalResolver() jwtware.PrincipalResolver {
	return func(ctx context.Context, claims jwtware.AuthClaims) (any, error) {
		user, err := a.Repo.Users().GetByIdentifier(ctx, claims.Subject())
		if err != nil {
			return nil, err
		}
		if roles, err := a.Repo.Roles().FindNamesByUserID(ctx, user.ID); err == nil {
			user.Roles = roles
		}
		return user, nil
	}
}

// principalContextWriter mirrors the authenticated principal and claims into
// the plain request context so command handlers and other non-fiber code can
// reach them through FromContext and GetClaims.
func principalContextWriter(ctx context.Context, principal any, claims jwtware.AuthClaims) context.Context {
	if user, ok := principal.(*User); ok {
		ctx = WithContext(ctx, user)
	}
	if authClaims, ok := claims.(AuthClaims); ok {
		ctx = WithClaimsContext(ctx, authClaims)
	}
	return ctx
}

// RegisterRoutes mounts the HTTP surface under /api/v1. Every route gets the
// optional authenticator; the profile group adds the hard guard.
func (a *AuthController) RegisterRoutes(app *fiber.App) {
	app.Use(jwtware.New(jwtware.Config{
		Optional:          true,
		ContextKey:        a.Config.GetContextKey(),
		TokenLookup:       a.Config.GetTokenLookup(),
		AuthScheme:        a.Config.GetAuthScheme(),
		TokenValidator:    tokenValidatorAdapter{ts: a.TokenService},
		PrincipalResolver: a.PrincipalResolver(),
		ContextWriter:     principalContextWriter,
	}))

	api := app.Group("/api/v1")

	auth := api.Group("/auth")
	auth.Post("/register", a.RegistrationCreate)
	auth.Post("/login", a.LoginPost)
	auth.Get("/verify", a.VerifyGet)
	auth.Post("/resend-verification", a.ResendVerificationPost)
	auth.Post("/request-password-reset", a.PasswordResetInit)
	auth.Post("/reset-password", a.PasswordResetExecute)
	auth.Get("/is-authenticated", a.IsAuthenticated)
	auth.Post("/logout", a.LogOut)

	profile := api.Group("/profile", jwtware.RequireAuth(a.Config.GetContextKey()))
	profile.Get("/me", a.ProfileShow)
	profile.Put("/me", a.ProfileUpdate)
	profile.Post("/change-password/init", a.ChangePasswordInit)
	profile.Post("/change-password/verify", a.ChangePasswordExecute)
	profile.Post("/change-email/init", a.ChangeEmailInit)
	profile.Post("/change-email/verify", a.ChangeEmailExecute)
}

// RegisterRequest payload
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Name,
			validation.Required,
			validation.Length(1, 120),
		),
		validation.Field(
			&r.Email,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.Password,
			validation.Required,
			validation.Length(8, 72),
		),
	)
}

func (a *AuthController) RegistrationCreate(ctx *fiber.Ctx) error {
	payload := new(RegisterRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	if a.Debug {
		fmt.Println("======= AUTH REGISTER ======")
		fmt.Println(print.MaybePrettyJSON(payload))
		fmt.Println("============================")
	}

	var resp *RegisterUserResponse
	err := a.register.Execute(ctx.UserContext(), RegisterUserMessage{
		Name:     payload.Name,
		Email:    payload.Email,
		Phone:    payload.Phone,
		Password: payload.Password,
		OnResponse: func(r *RegisterUserResponse) {
			resp = r
		},
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	// The account starts unverified but the caller still gets a provisional
	// session so the client can poll is-authenticated during onboarding.
	token, err := a.TokenService.Sign(resp.User.Email, resp.User.PublicID, a.Config.GetSignupSessionTTL())
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	SetSessionCookie(ctx, a.Config.GetCookieName(), token, a.Config.GetSignupSessionTTL())

	return ctx.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user":  NewProfile(resp.User),
		"token": token,
	})
}

// LoginRequest payload
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Identifier,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.Password,
			validation.Required,
		),
	)
}

func (a *AuthController) LoginPost(ctx *fiber.Ctx) error {
	payload := new(LoginRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	token, err := a.Auther.Login(ctx.UserContext(), payload.Identifier, payload.Password)
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	SetSessionCookie(ctx, a.Config.GetCookieName(), token, a.Config.GetSessionTTL())

	return ctx.JSON(fiber.Map{
		"email": payload.Identifier,
		"token": token,
	})
}

func (a *AuthController) VerifyGet(ctx *fiber.Ctx) error {
	token := ctx.Query("token")
	if token == "" {
		return WriteError(ctx, a.Logger, ErrInvalidOrExpiredToken)
	}

	var resp *VerifyEmailResponse
	err := a.verifyEmail.Execute(ctx.UserContext(), VerifyEmailMessage{
		Token: token,
		OnResponse: func(r *VerifyEmailResponse) {
			resp = r
		},
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	// Upgrade whatever session the caller held to a full one bound to the
	// now-current email.
	session, err := a.TokenService.Sign(resp.User.Email, resp.User.PublicID, a.Config.GetSessionTTL())
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	SetSessionCookie(ctx, a.Config.GetCookieName(), session, a.Config.GetSessionTTL())

	return ctx.JSON(fiber.Map{
		"email":         resp.User.Email,
		"token":         session,
		"email_changed": resp.EmailChanged,
	})
}

// EmailRequest payload shared by resend and reset-request endpoints
type EmailRequest struct {
	Email string `json:"email"`
}

// Validate will run validation rules
func (r EmailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Email,
			validation.Required,
			is.Email,
		),
	)
}

func (a *AuthController) ResendVerificationPost(ctx *fiber.Ctx) error {
	payload := new(EmailRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	err := a.resendVerify.Execute(ctx.UserContext(), ResendVerificationMessage{
		Email: payload.Email,
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	return ctx.JSON(fiber.Map{
		"message": "verification email sent",
	})
}

func (a *AuthController) PasswordResetInit(ctx *fiber.Ctx) error {
	payload := new(EmailRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	err := a.resetInit.Execute(ctx.UserContext(), InitializePasswordResetMessage{
		Email: payload.Email,
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	return ctx.JSON(fiber.Map{
		"message": "password reset email sent",
	})
}

// ResetPasswordRequest payload
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"new_password"`
}

// Validate will run validation rules
func (r ResetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Token,
			validation.Required,
		),
		validation.Field(
			&r.Password,
			validation.Required,
			validation.Length(8, 72),
		),
	)
}

func (a *AuthController) PasswordResetExecute(ctx *fiber.Ctx) error {
	payload := new(ResetPasswordRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	// The reset link lands the token in the query string; the body wins if
	// both are present.
	if payload.Token == "" {
		payload.Token = ctx.Query("token")
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	err := a.resetFinalize.Execute(ctx.UserContext(), FinalizePasswordResetMessage{
		Token:    payload.Token,
		Password: payload.Password,
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	return ctx.JSON(fiber.Map{
		"message": "password updated",
	})
}

func (a *AuthController) IsAuthenticated(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return ctx.JSON(fiber.Map{
			"authenticated": false,
		})
	}

	return ctx.JSON(fiber.Map{
		"authenticated": true,
		"email":         user.Email,
	})
}

func (a *AuthController) LogOut(ctx *fiber.Ctx) error {
	ClearSessionCookie(ctx, a.Config.GetCookieName())
	return ctx.JSON(fiber.Map{
		"message": "logged out",
	})
}

func (a *AuthController) ProfileShow(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return WriteError(ctx, a.Logger, ErrUnableToFindSession)
	}

	return ctx.JSON(NewProfile(user))
}

// UpdateProfileRequest payload
type UpdateProfileRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Validate will run validation rules
func (r UpdateProfileRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Name,
			validation.Required,
			validation.Length(1, 120),
		),
	)
}

func (a *AuthController) ProfileUpdate(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return WriteError(ctx, a.Logger, ErrUnableToFindSession)
	}

	payload := new(UpdateProfileRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	var resp *UpdateProfileResponse
	err := a.updateProfile.Execute(ctx.UserContext(), UpdateProfileMessage{
		Email: user.Email,
		Name:  payload.Name,
		Phone: payload.Phone,
		OnResponse: func(r *UpdateProfileResponse) {
			resp = r
		},
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	resp.User.Roles = user.Roles

	return ctx.JSON(NewProfile(resp.User))
}

// ChangePasswordInitRequest payload
type ChangePasswordInitRequest struct {
	OldPassword string `json:"old_password"`
}

// Validate will run validation rules
func (r ChangePasswordInitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.OldPassword,
			validation.Required,
		),
	)
}

func (a *AuthController) ChangePasswordInit(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return WriteError(ctx, a.Logger, ErrUnableToFindSession)
	}

	payload := new(ChangePasswordInitRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	err := a.changePassInit.Execute(ctx.UserContext(), InitializeChangePasswordMessage{
		Email:       user.Email,
		OldPassword: payload.OldPassword,
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	return ctx.JSON(fiber.Map{
		"message": "confirmation code sent",
	})
}

// ChangePasswordExecuteRequest payload
type ChangePasswordExecuteRequest struct {
	Code     string `json:"otp"`
	Password string `json:"new_password"`
}

// Validate will run validation rules
func (r ChangePasswordExecuteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Code,
			validation.Required,
		),
		validation.Field(
			&r.Password,
			validation.Required,
			validation.Length(8, 72),
		),
	)
}

func (a *AuthController) ChangePasswordExecute(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return WriteError(ctx, a.Logger, ErrUnableToFindSession)
	}

	payload := new(ChangePasswordExecuteRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	err := a.changePassDone.Execute(ctx.UserContext(), FinalizeChangePasswordMessage{
		Email:    user.Email,
		Code:     payload.Code,
		Password: payload.Password,
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	return ctx.JSON(fiber.Map{
		"message": "password updated",
	})
}

// ChangeEmailInitRequest payload
type ChangeEmailInitRequest struct {
	NewEmail string `json:"new_email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r ChangeEmailInitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.NewEmail,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.Password,
			validation.Required,
		),
	)
}

func (a *AuthController) ChangeEmailInit(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return WriteError(ctx, a.Logger, ErrUnableToFindSession)
	}

	payload := new(ChangeEmailInitRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	err := a.changeMailInit.Execute(ctx.UserContext(), InitializeChangeEmailMessage{
		Email:    user.Email,
		NewEmail: payload.NewEmail,
		Password: payload.Password,
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	return ctx.JSON(fiber.Map{
		"message": "confirmation code sent to new address",
	})
}

// ChangeEmailExecuteRequest payload
type ChangeEmailExecuteRequest struct {
	Code string `json:"otp"`
}

// Validate will run validation rules
func (r ChangeEmailExecuteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Code,
			validation.Required,
		),
	)
}

func (a *AuthController) ChangeEmailExecute(ctx *fiber.Ctx) error {
	user, ok := CurrentUser(ctx, a.Config.GetContextKey())
	if !ok {
		return WriteError(ctx, a.Logger, ErrUnableToFindSession)
	}

	payload := new(ChangeEmailExecuteRequest)

	if err := ctx.BodyParser(payload); err != nil {
		return a.badPayload(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return a.invalidPayload(ctx, err)
	}

	var resp *FinalizeChangeEmailResponse
	err := a.changeMailDone.Execute(ctx.UserContext(), FinalizeChangeEmailMessage{
		Email: user.Email,
		Code:  payload.Code,
		OnResponse: func(r *FinalizeChangeEmailResponse) {
			resp = r
		},
	})
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	// The old session subject no longer matches an account, so hand over a
	// fresh token bound to the new address.
	session, err := a.TokenService.Sign(resp.User.Email, resp.User.PublicID, a.Config.GetSessionTTL())
	if err != nil {
		return WriteError(ctx, a.Logger, err)
	}

	SetSessionCookie(ctx, a.Config.GetCookieName(), session, a.Config.GetSessionTTL())

	return ctx.JSON(fiber.Map{
		"email": resp.User.Email,
		"token": session,
	})
}

func (a *AuthController) badPayload(ctx *fiber.Ctx, err error) error {
	a.Logger.Debug("failed to parse payload: %s", err)
	return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   true,
		"message": "could not parse request body",
	})
}

func (a *AuthController) invalidPayload(ctx *fiber.Ctx, err error) error {
	return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
