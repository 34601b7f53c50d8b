package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-repository-bun"
	"github.com/kelseyhightower/envconfig"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/perimeter-labs/accounts"
	"github.com/perimeter-labs/accounts/social"
	"github.com/perimeter-labs/accounts/social/providers/google"
)

// Config is read from the environment at startup.
type Config struct {
	Addr string `envconfig:"APP_ADDR" default:":8080"`
	DSN  string `envconfig:"APP_DSN" default:"file:accounts.db?cache=shared"`

	SigningKey       string        `envconfig:"AUTH_SIGNING_KEY" required:"true"`
	Issuer           string        `envconfig:"AUTH_ISSUER" default:"accounts"`
	Audience         []string      `envconfig:"AUTH_AUDIENCE"`
	SessionTTL       time.Duration `envconfig:"AUTH_SESSION_TTL" default:"10h"`
	SignupSessionTTL time.Duration `envconfig:"AUTH_SIGNUP_SESSION_TTL" default:"24h"`
	VerifyTokenTTL   time.Duration `envconfig:"AUTH_VERIFY_TOKEN_TTL" default:"24h"`
	ResetTokenTTL    time.Duration `envconfig:"AUTH_RESET_TOKEN_TTL" default:"15m"`
	ContextKey       string        `envconfig:"AUTH_CONTEXT_KEY" default:"user"`
	CookieName       string        `envconfig:"AUTH_COOKIE_NAME" default:"jwt"`
	TokenLookup      string        `envconfig:"AUTH_TOKEN_LOOKUP" default:"header:Authorization,cookie:jwt"`
	AuthScheme       string        `envconfig:"AUTH_SCHEME" default:"Bearer"`

	AdminEmail    string `envconfig:"ADMIN_EMAIL"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD"`
	AdminName     string `envconfig:"ADMIN_NAME" default:"Administrator"`

	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	GoogleCallbackURL  string `envconfig:"GOOGLE_CALLBACK_URL"`

	Debug bool `envconfig:"APP_DEBUG" default:"false"`
}

func (c *Config) GetSigningKey() string              { return c.SigningKey }
func (c *Config) GetSigningMethod() string           { return "HS256" }
func (c *Config) GetContextKey() string              { return c.ContextKey }
func (c *Config) GetCookieName() string              { return c.CookieName }
func (c *Config) GetSessionTTL() time.Duration       { return c.SessionTTL }
func (c *Config) GetSignupSessionTTL() time.Duration { return c.SignupSessionTTL }
func (c *Config) GetVerifyTokenTTL() time.Duration   { return c.VerifyTokenTTL }
func (c *Config) GetResetTokenTTL() time.Duration    { return c.ResetTokenTTL }
func (c *Config) GetTokenLookup() string             { return c.TokenLookup }
func (c *Config) GetAuthScheme() string              { return c.AuthScheme }
func (c *Config) GetIssuer() string                  { return c.Issuer }
func (c *Config) GetAudience() []string              { return c.Audience }

var _ accounts.Config = (*Config)(nil)

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("accountsd"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)
	logger := lgr.GetLogger("main")

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	if err := accounts.InitSchema(ctx, db); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	repo := accounts.NewRepositoryManager(db)
	repo.MustValidate()

	if err := repo.Roles().Seed(ctx, accounts.RoleUser, accounts.RoleAdmin); err != nil {
		logger.Error("failed to seed roles", "error", err)
		os.Exit(1)
	}

	if err := seedAdmin(ctx, repo, cfg, lgr.GetLogger("seed")); err != nil {
		logger.Error("failed to seed admin account", "error", err)
		os.Exit(1)
	}

	tokenService, err := accounts.NewTokenService(
		[]byte(cfg.SigningKey),
		cfg.SessionTTL,
		cfg.Issuer,
		cfg.Audience,
		lgr.GetLogger("auth:tokens"),
	)
	if err != nil {
		logger.Error("failed to construct token service", "error", err)
		os.Exit(1)
	}

	userProvider := accounts.NewUserProvider(repo.Users(), repo.Roles()).
		WithLogger(lgr.GetLogger("auth:prv"))

	auther := accounts.NewAuthenticator(userProvider, tokenService).
		WithLogger(lgr.GetLogger("auth:authn"))

	app := fiber.New(fiber.Config{
		AppName:      "accountsd",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	controller := accounts.NewAuthController(
		repo,
		auther,
		tokenService,
		cfg,
		accounts.WithControllerLogger(lgr.GetLogger("auth:ctrl")),
		accounts.WithControllerNotifier(accounts.LogNotifier{}),
		accounts.WithControllerDebug(cfg.Debug),
	)
	controller.RegisterRoutes(app)

	if cfg.GoogleClientID != "" {
		socialAuth := social.NewSocialAuthenticator(repo, tokenService, social.SocialAuthConfig{
			StateHMACKey:         []byte(cfg.SigningKey),
			SessionTTL:           cfg.SessionTTL,
			RequireEmailVerified: true,
		},
			social.WithProvider(google.New(google.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				CallbackURL:  cfg.GoogleCallbackURL,
			})),
			social.WithLogger(lgr.GetLogger("auth:social")),
		)

		socialController := social.NewController(socialAuth, cfg.CookieName, lgr.GetLogger("auth:social:http"))
		socialController.RegisterRoutes(app.Group("/api/v1/auth"))
	}

	go func() {
		if err := app.Listen(cfg.Addr); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("accounts service listening", "addr", cfg.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// seedAdmin bootstraps an administrator account when configured. Safe to run
// on every startup, an existing account is left alone.
func seedAdmin(ctx context.Context, repo accounts.RepositoryManager, cfg *Config, logger accounts.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	_, err := repo.Users().GetByIdentifier(ctx, cfg.AdminEmail)
	if err == nil {
		return nil
	}
	if !repository.IsRecordNotFound(err) {
		return err
	}

	hash, err := accounts.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}

	return repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user := &accounts.User{
			Name:         cfg.AdminName,
			Email:        cfg.AdminEmail,
			PasswordHash: hash,
			IsVerified:   true,
		}

		user, err := repo.Users().CreateTx(ctx, tx, user)
		if err != nil {
			return err
		}

		for _, role := range []accounts.RoleName{accounts.RoleUser, accounts.RoleAdmin} {
			if err := repo.Roles().AssignTx(ctx, tx, user.ID, role); err != nil {
				return err
			}
		}

		logger.Info("bootstrap admin account created", "email", cfg.AdminEmail)
		return nil
	})
}
