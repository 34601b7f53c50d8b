package accounts

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RoleName names a role in the flat role set.
type RoleName = string

const (
	// RoleUser is the default role every account receives at registration
	RoleUser RoleName = "USER"
	// RoleAdmin marks administrator accounts
	RoleAdmin RoleName = "ADMIN"
)

// AuthProvider identifies where an account's credentials live.
type AuthProvider = string

const (
	// ProviderLocal is a password-backed account
	ProviderLocal AuthProvider = "LOCAL"
	// ProviderGoogle is a Google-federated account
	ProviderGoogle AuthProvider = "GOOGLE"
)

// TokenPurpose selects which action-token slot on the user row an operation
// works against.
type TokenPurpose string

const (
	// PurposeVerify covers account verification and email-change confirmation
	PurposeVerify TokenPurpose = "verify"
	// PurposeReset covers password reset and password change confirmation
	PurposeReset TokenPurpose = "reset"
)

// User is the user model. Action-token slots live directly on the row so
// issue/consume can be a single compare-and-swap UPDATE.
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`

	ID       uuid.UUID `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	PublicID string    `bun:"public_id,notnull,unique" json:"public_id,omitempty"`
	Name     string    `bun:"name,notnull" json:"name,omitempty"`
	Email    string    `bun:"email,notnull,unique" json:"email,omitempty"`
	Phone    string    `bun:"phone_number" json:"phone_number,omitempty"`

	// PendingEmail is non-empty only while an email change awaits
	// confirmation; consuming the verify token swaps it into Email.
	PendingEmail string `bun:"pending_email,nullzero" json:"-"`

	PasswordHash string `bun:"password_hash" json:"-"`
	IsVerified   bool   `bun:"is_verified" json:"is_verified"`

	VerifyToken          string `bun:"verify_token,nullzero" json:"-"`
	VerifyTokenExpiresAt int64  `bun:"verify_token_expires_at" json:"-"`
	ResetToken           string `bun:"reset_token,nullzero" json:"-"`
	ResetTokenExpiresAt  int64  `bun:"reset_token_expires_at" json:"-"`

	AuthProvider AuthProvider `bun:"auth_provider,notnull,default:'LOCAL'" json:"auth_provider,omitempty"`
	ProviderID   string       `bun:"provider_id,nullzero" json:"-"`

	LoginAttempts  int        `bun:"login_attempts" json:"-"`
	LoginAttemptAt *time.Time `bun:"login_attempt_at" json:"-"`
	LoggedInAt     *time.Time `bun:"loggedin_at" json:"loggedin_at,omitempty"`

	// Roles is resolved through an explicit join query, never eagerly by
	// the ORM. See Roles.FindNamesByUserID.
	Roles []RoleName `bun:"-" json:"roles,omitempty"`

	CreatedAt *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// HasRole reports whether the loaded role set contains name.
func (u *User) HasRole(name RoleName) bool {
	for _, r := range u.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// ActionToken returns the token slot and expiry for a purpose.
func (u *User) ActionToken(purpose TokenPurpose) (string, int64) {
	if purpose == PurposeReset {
		return u.ResetToken, u.ResetTokenExpiresAt
	}
	return u.VerifyToken, u.VerifyTokenExpiresAt
}

// Role is the role lookup model, seeded at startup.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rol"`

	ID        uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name      RoleName   `bun:"name,notnull,unique" json:"name"`
	CreatedAt *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// UserRole is the many-to-many join between users and roles.
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:usr_rol"`

	UserID uuid.UUID `bun:"user_id,pk,type:uuid"`
	RoleID uuid.UUID `bun:"role_id,pk,type:uuid"`
}

// Profile is the public projection of a User returned by the HTTP surface.
type Profile struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone,omitempty"`
	IsVerified bool       `json:"is_verified"`
	Roles      []RoleName `json:"roles,omitempty"`
	Provider   string     `json:"auth_provider,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// NewProfile projects a user record into its public shape.
func NewProfile(u *User) Profile {
	if u == nil {
		return Profile{}
	}
	return Profile{
		ID:         u.PublicID,
		Name:       u.Name,
		Email:      u.Email,
		Phone:      u.Phone,
		IsVerified: u.IsVerified,
		Roles:      u.Roles,
		Provider:   u.AuthProvider,
		CreatedAt:  u.CreatedAt,
	}
}
