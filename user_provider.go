package accounts

import (
	"context"

	"github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// UserTracker is a store we can use to retrieve users
type UserTracker interface {
	GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*User, error)
	TrackAttemptedLogin(ctx context.Context, user *User) error
	TrackSuccessfulLogin(ctx context.Context, user *User) error
}

// RoleResolver loads the role names granted to a user
type RoleResolver interface {
	FindNamesByUserID(ctx context.Context, userID uuid.UUID) ([]RoleName, error)
}

// UserProvider resolves identities out of the users store
type UserProvider struct {
	store  UserTracker
	roles  RoleResolver
	logger Logger
}

// MaxLoginAttempts is the maximun number of attempts a user gets
// in a period
var MaxLoginAttempts = 5

// CoolDownPeriod is the period in which we enforce a cool down
var CoolDownPeriod = "24h"

// NewUserProvider will create a new UserProvider
func NewUserProvider(store UserTracker, roles RoleResolver) *UserProvider {
	return &UserProvider{
		store:  store,
		roles:  roles,
		logger: defLogger{},
	}
}

func (u *UserProvider) WithLogger(l Logger) *UserProvider {
	if l != nil {
		u.logger = l
	}
	return u
}

// VerifyIdentity will find the user, compare to the password, and return identity.
// Verification status is carried on the identity, the authenticator decides
// whether an unverified account may log in.
func (u UserProvider) VerifyIdentity(ctx context.Context, identifier, password string) (Identity, error) {
	user, err := u.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, ErrMismatchedHashAndPassword
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to retrieve user during verification")
	}

	if user == nil {
		return nil, ErrIdentityNotFound
	}

	if user.LoginAttemptAt != nil {
		expired, err := IsOutsideThresholdPeriod(*user.LoginAttemptAt, CoolDownPeriod)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternal, "failed to calculate login attempt cooldown")
		}

		if expired {
			user.LoginAttempts = 0
		}
	}

	//if we have too many attempts in the given window, cool off!
	if user.LoginAttempts > MaxLoginAttempts {
		return nil, ErrTooManyLoginAttempts
	}

	// A federated account has no local hash, compare still fails and is
	// reported as invalid credentials, same as any mismatch.
	if err := ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		// We have to increment the login_attempts counter and login_attempt_at
		if err2 := u.store.TrackAttemptedLogin(ctx, user); err2 != nil {
			return nil, errors.Wrap(err2, errors.CategoryInternal, "failed to track login attempt")
		}

		return nil, ErrMismatchedHashAndPassword
	}

	// reset the login_attempts counter and login_attempt_at
	if err := u.store.TrackSuccessfulLogin(ctx, user); err != nil {
		u.logger.Error("failed to track successful login: %s", err)
	}

	return u.identityFromUser(ctx, user)
}

func (u UserProvider) FindIdentityByIdentifier(ctx context.Context, identifier string) (Identity, error) {
	user, err := u.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}

	if user == nil {
		return nil, ErrIdentityNotFound
	}

	return u.identityFromUser(ctx, user)
}

func (u UserProvider) identityFromUser(ctx context.Context, user *User) (Identity, error) {
	roles := user.Roles
	if len(roles) == 0 && u.roles != nil {
		found, err := u.roles.FindNamesByUserID(ctx, user.ID)
		if err != nil {
			u.logger.Warn("failed to resolve roles for user %s: %s", user.PublicID, err)
		} else {
			roles = found
		}
	}

	aid := authIdentity{
		id:       user.PublicID,
		email:    user.Email,
		name:     user.Name,
		roles:    roles,
		verified: user.IsVerified,
	}

	return aid, nil
}

type authIdentity struct {
	id       string
	name     string
	email    string
	roles    []RoleName
	verified bool
}

func (a authIdentity) ID() string {
	return a.id
}

func (a authIdentity) Name() string {
	return a.name
}

func (a authIdentity) Email() string {
	return a.email
}

func (a authIdentity) Roles() []string {
	return a.roles
}

func (a authIdentity) Verified() bool {
	return a.verified
}

var _ Identity = authIdentity{}
