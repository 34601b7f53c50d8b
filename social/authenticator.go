package social

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/perimeter-labs/accounts"
)

// SocialAuthenticator orchestrates social login flows: redirect out with a
// signed state, come back with a code, upsert the account, mint a session.
type SocialAuthenticator struct {
	providers    map[string]SocialProvider
	stateManager StateManager
	repo         accounts.RepositoryManager
	tokenService accounts.TokenService
	activitySink accounts.ActivitySink
	logger       accounts.Logger
	config       SocialAuthConfig
}

// SocialAuthConfig configures the social authenticator.
type SocialAuthConfig struct {
	StateHMACKey         []byte
	StateTTL             time.Duration
	SessionTTL           time.Duration
	RequireEmailVerified bool
	DefaultRedirectURL   string
}

// SocialAuthOption configures the social authenticator.
type SocialAuthOption func(*SocialAuthenticator)

// NewSocialAuthenticator creates a new social authenticator.
func NewSocialAuthenticator(
	repo accounts.RepositoryManager,
	tokenService accounts.TokenService,
	config SocialAuthConfig,
	opts ...SocialAuthOption,
) *SocialAuthenticator {
	cfg := config
	if cfg.StateTTL == 0 {
		cfg.StateTTL = 10 * time.Minute
	}

	sa := &SocialAuthenticator{
		providers:    make(map[string]SocialProvider),
		repo:         repo,
		tokenService: tokenService,
		config:       cfg,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sa)
		}
	}

	if sa.stateManager == nil {
		sa.stateManager = NewSignedStateManager(cfg.StateHMACKey, cfg.StateTTL)
	}

	return sa
}

// WithProvider registers a social provider.
func WithProvider(provider SocialProvider) SocialAuthOption {
	return func(sa *SocialAuthenticator) {
		if provider == nil {
			return
		}
		sa.providers[provider.Name()] = provider
	}
}

// WithStateManager sets a custom state manager.
func WithStateManager(sm StateManager) SocialAuthOption {
	return func(sa *SocialAuthenticator) {
		sa.stateManager = sm
	}
}

// WithActivitySink sets the activity sink for audit logging.
func WithActivitySink(sink accounts.ActivitySink) SocialAuthOption {
	return func(sa *SocialAuthenticator) {
		sa.activitySink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(l accounts.Logger) SocialAuthOption {
	return func(sa *SocialAuthenticator) {
		sa.logger = l
	}
}

// AuthRedirect carries the provider URL the client should be sent to.
type AuthRedirect struct {
	URL      string
	Provider string
}

// AuthResult is a completed social login.
type AuthResult struct {
	User         *accounts.User
	SessionToken string
	RedirectURL  string
	IsNewUser    bool
}

// BeginAuth starts the OAuth flow for a provider.
func (sa *SocialAuthenticator) BeginAuth(ctx context.Context, providerName, redirectURL string) (*AuthRedirect, error) {
	provider, ok := sa.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}

	state, err := sa.stateManager.Encode(&OAuthState{
		Provider:    providerName,
		RedirectURL: redirectURL,
	})
	if err != nil {
		return nil, err
	}

	return &AuthRedirect{
		URL:      provider.AuthCodeURL(state),
		Provider: providerName,
	}, nil
}

// CompleteAuth finishes the OAuth flow: verifies state, exchanges the code,
// fetches the profile, upserts the account by email, and mints a session.
// Social accounts are verified by definition, the provider vouched for the
// mailbox, so the email verification gate does not apply.
func (sa *SocialAuthenticator) CompleteAuth(ctx context.Context, providerName, stateToken, code string) (*AuthResult, error) {
	provider, ok := sa.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}

	state, err := sa.stateManager.Decode(stateToken)
	if err != nil {
		return nil, err
	}

	if state.Provider != providerName {
		return nil, ErrInvalidState
	}

	token, err := provider.Exchange(ctx, code)
	if err != nil {
		sa.log().Error("social exchange failed for %s: %s", providerName, err)
		return nil, goerrors.Wrap(err, ErrTokenExchangeFailed.Category, ErrTokenExchangeFailed.Message).
			WithTextCode(ErrTokenExchangeFailed.TextCode)
	}

	profile, err := provider.UserInfo(ctx, token)
	if err != nil {
		sa.log().Error("social userinfo failed for %s: %s", providerName, err)
		return nil, goerrors.Wrap(err, ErrUserInfoFailed.Category, ErrUserInfoFailed.Message).
			WithTextCode(ErrUserInfoFailed.TextCode)
	}

	if sa.config.RequireEmailVerified && !profile.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	result := &AuthResult{RedirectURL: state.RedirectURL}
	if result.RedirectURL == "" {
		result.RedirectURL = sa.config.DefaultRedirectURL
	}

	err = sa.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := sa.repo.Users().GetByIdentifierTx(ctx, tx, profile.Email)
		if err != nil && !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up social account")
		}

		if repository.IsRecordNotFound(err) {
			// First login through this provider: the account has no local
			// password, only the federated credential.
			user = &accounts.User{
				Name:         profile.Name,
				Email:        profile.Email,
				IsVerified:   true,
				AuthProvider: sa.authProvider(providerName),
				ProviderID:   profile.ProviderUserID,
			}
			if user, err = sa.repo.Users().CreateTx(ctx, tx, user); err != nil {
				if accounts.IsUniqueViolation(err) {
					return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create social user").
						WithCode(goerrors.CodeConflict)
				}
				return goerrors.Wrap(err, goerrors.CategoryInternal, "could not create social user")
			}
			if err := sa.repo.Roles().AssignTx(ctx, tx, user.ID, accounts.RoleUser); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to assign default role")
			}
			user.Roles = []accounts.RoleName{accounts.RoleUser}
			result.IsNewUser = true
		} else {
			// A returning user may have registered locally first; the
			// provider login proves the mailbox either way. Name follows the
			// provider profile so renames propagate on each login.
			record := &accounts.User{}
			record.ID = user.ID
			record.Name = profile.Name
			record.IsVerified = true
			record.AuthProvider = sa.authProvider(providerName)
			record.ProviderID = profile.ProviderUserID

			if user, err = sa.repo.Users().UpdateTx(ctx, tx, record, repository.UpdateByID(user.ID.String())); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to link social account")
			}
		}

		result.User = user
		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "social login transaction failed")
	}

	session, err := sa.tokenService.Sign(result.User.Email, result.User.PublicID, sa.config.SessionTTL)
	if err != nil {
		return nil, err
	}
	result.SessionToken = session

	sa.recordLogin(ctx, result, providerName)

	return result, nil
}

func (sa *SocialAuthenticator) authProvider(name string) accounts.AuthProvider {
	switch name {
	case "google":
		return accounts.ProviderGoogle
	default:
		return accounts.AuthProvider(name)
	}
}

func (sa *SocialAuthenticator) recordLogin(ctx context.Context, result *AuthResult, providerName string) {
	if sa.activitySink == nil {
		return
	}

	event := accounts.ActivityEvent{
		EventType: accounts.ActivityEventSocialLogin,
		UserID:    result.User.PublicID,
		Email:     result.User.Email,
		Metadata: map[string]any{
			"provider": providerName,
			"new_user": result.IsNewUser,
		},
		OccurredAt: time.Now(),
	}

	if err := sa.activitySink.Record(ctx, event); err != nil {
		sa.log().Warn("activity sink record error: %s", err)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (sa *SocialAuthenticator) log() accounts.Logger {
	if sa.logger != nil {
		return sa.logger
	}
	return nopLogger{}
}
