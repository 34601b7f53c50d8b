package accounts

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Action token slots are issued and consumed through raw compare-and-swap
// updates keyed on the token value: two concurrent consumers race on the
// WHERE clause and only one row comes back. The ORM update path cannot
// express that, and it also refuses to null out fields.

var StoreVerifyTokenSQL = `UPDATE "users" AS "usr"
SET
	"verify_token" = ?,
	"verify_token_expires_at" = ?
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

var StoreResetTokenSQL = `UPDATE "users" AS "usr"
SET
	"reset_token" = ?,
	"reset_token_expires_at" = ?
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

var ConsumeVerifyTokenSQL = `UPDATE "users" AS "usr"
SET
	"is_verified" = TRUE,
	"verify_token" = NULL,
	"verify_token_expires_at" = 0
WHERE
	"usr"."deleted_at" IS NULL
AND "usr"."pending_email" IS NULL
AND "usr"."verify_token" = ?
AND "usr"."verify_token_expires_at" > ?
RETURNING *;`

// ConsumeEmailChangeTokenSQL promotes the pending address. The account was
// already verified when the change was requested, so is_verified stays put.
var ConsumeEmailChangeTokenSQL = `UPDATE "users" AS "usr"
SET
	"email" = "usr"."pending_email",
	"pending_email" = NULL,
	"verify_token" = NULL,
	"verify_token_expires_at" = 0
WHERE
	"usr"."deleted_at" IS NULL
AND "usr"."pending_email" IS NOT NULL
AND "usr"."verify_token" = ?
AND "usr"."verify_token_expires_at" > ?
RETURNING *;`

var ConsumeEmailChangeTokenForEmailSQL = `UPDATE "users" AS "usr"
SET
	"email" = "usr"."pending_email",
	"pending_email" = NULL,
	"verify_token" = NULL,
	"verify_token_expires_at" = 0
WHERE
	"usr"."deleted_at" IS NULL
AND "usr"."pending_email" IS NOT NULL
AND "usr"."email" = ?
AND "usr"."verify_token" = ?
AND "usr"."verify_token_expires_at" > ?
RETURNING *;`

// ConsumeResetTokenSQL swaps the password hash in the same statement that
// burns the token. It also marks the account verified since the caller just
// proved control of the mailbox.
var ConsumeResetTokenSQL = `UPDATE "users" AS "usr"
SET
	"is_verified" = TRUE,
	"password_hash" = ?,
	"reset_token" = NULL,
	"reset_token_expires_at" = 0,
	"login_attempts" = 0,
	"login_attempt_at" = NULL
WHERE
	"usr"."deleted_at" IS NULL
AND "usr"."reset_token" = ?
AND "usr"."reset_token_expires_at" > ?
RETURNING *;`

var ConsumeResetTokenForEmailSQL = `UPDATE "users" AS "usr"
SET
	"password_hash" = ?,
	"reset_token" = NULL,
	"reset_token_expires_at" = 0,
	"login_attempts" = 0,
	"login_attempt_at" = NULL
WHERE
	"usr"."deleted_at" IS NULL
AND "usr"."email" = ?
AND "usr"."reset_token" = ?
AND "usr"."reset_token_expires_at" > ?
RETURNING *;`

var SetPendingEmailSQL = `UPDATE "users" AS "usr"
SET
	"pending_email" = ?,
	"verify_token" = ?,
	"verify_token_expires_at" = ?
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

type Users interface {
	repository.Repository[*User]

	TrackAttemptedLogin(ctx context.Context, user *User) error
	TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, user *User) error
	TrackSuccessfulLogin(ctx context.Context, user *User) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, user *User) error

	Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error)
	GetOrCreate(ctx context.Context, record *User) (*User, error)
	GetOrCreateTx(ctx context.Context, tx bun.IDB, record *User) (*User, error)

	GetByActionToken(ctx context.Context, purpose TokenPurpose, token string) (*User, error)
	GetByActionTokenTx(ctx context.Context, tx bun.IDB, purpose TokenPurpose, token string) (*User, error)

	StoreActionTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID, purpose TokenPurpose, token string, expiresAt int64) (*User, error)
	SetPendingEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, pendingEmail, token string, expiresAt int64) (*User, error)

	ConsumeVerifyTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)
	ConsumeEmailChangeTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)
	ConsumeEmailChangeTokenForEmailTx(ctx context.Context, tx bun.IDB, email, token string) (*User, error)
	ConsumeResetTokenTx(ctx context.Context, tx bun.IDB, token, passwordHash string) (*User, error)
	ConsumeResetTokenForEmailTx(ctx context.Context, tx bun.IDB, email, token, passwordHash string) (*User, error)
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

func (a *users) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*User, error) {
	return a.GetByIdentifierTx(ctx, a.db, identifier, criteria...)
}

func (a *users) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*User, error) {
	options := resolveUserIdentifier(identifier)
	if len(options) == 0 {
		options = []identifierOption{
			{
				column: "public_id",
				value:  strings.TrimSpace(identifier),
			},
		}
	}

	for _, opt := range options {
		record := &User{}
		q := tx.NewSelect().Model(record)

		for _, c := range criteria {
			q.Apply(c)
		}

		err := q.
			Where(fmt.Sprintf("?TableAlias.%s = ?", opt.column), opt.value).
			Limit(1).
			Scan(ctx)

		if err != nil {
			if repository.IsRecordNotFound(err) {
				continue
			}
			return nil, err
		}

		return record, nil
	}

	return nil, repository.NewRecordNotFound().
		WithMetadata(map[string]any{
			"identifier": identifier,
		})
}

func (a *users) Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	prepareUserDefaults(record)
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *users) GetOrCreate(ctx context.Context, record *User) (*User, error) {
	return a.GetOrCreateTx(ctx, a.db, record)
}

func (a *users) GetOrCreateTx(ctx context.Context, tx bun.IDB, record *User) (*User, error) {
	identifier := record.Email
	if record.ID != uuid.Nil {
		identifier = record.ID.String()
	}

	user, err := a.Repository.GetByIdentifierTx(ctx, tx, identifier)
	if err == nil {
		return user, nil
	}

	if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	return a.CreateTx(ctx, tx, record)
}

func (a *users) GetByActionToken(ctx context.Context, purpose TokenPurpose, token string) (*User, error) {
	return a.GetByActionTokenTx(ctx, a.db, purpose, token)
}

func (a *users) GetByActionTokenTx(ctx context.Context, tx bun.IDB, purpose TokenPurpose, token string) (*User, error) {
	column := "verify_token"
	if purpose == PurposeReset {
		column = "reset_token"
	}

	record := &User{}
	err := tx.NewSelect().Model(record).
		Where(fmt.Sprintf("?TableAlias.%s = ?", column), token).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"purpose": string(purpose),
				})
		}
		return nil, err
	}

	return record, nil
}

// StoreActionTokenTx overwrites the token slot for the purpose. Whatever
// token was there before stops working.
func (a *users) StoreActionTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID, purpose TokenPurpose, token string, expiresAt int64) (*User, error) {
	query := StoreVerifyTokenSQL
	if purpose == PurposeReset {
		query = StoreResetTokenSQL
	}
	return a.execReturningOne(ctx, tx, query, token, expiresAt, id.String())
}

func (a *users) SetPendingEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, pendingEmail, token string, expiresAt int64) (*User, error) {
	return a.execReturningOne(ctx, tx, SetPendingEmailSQL, pendingEmail, token, expiresAt, id.String())
}

func (a *users) ConsumeVerifyTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	return a.execReturningOne(ctx, tx, ConsumeVerifyTokenSQL, token, epochMillis(time.Now()))
}

func (a *users) ConsumeEmailChangeTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	return a.execReturningOne(ctx, tx, ConsumeEmailChangeTokenSQL, token, epochMillis(time.Now()))
}

func (a *users) ConsumeEmailChangeTokenForEmailTx(ctx context.Context, tx bun.IDB, email, token string) (*User, error) {
	return a.execReturningOne(ctx, tx, ConsumeEmailChangeTokenForEmailSQL, email, token, epochMillis(time.Now()))
}

func (a *users) ConsumeResetTokenTx(ctx context.Context, tx bun.IDB, token, passwordHash string) (*User, error) {
	return a.execReturningOne(ctx, tx, ConsumeResetTokenSQL, passwordHash, token, epochMillis(time.Now()))
}

func (a *users) ConsumeResetTokenForEmailTx(ctx context.Context, tx bun.IDB, email, token, passwordHash string) (*User, error) {
	return a.execReturningOne(ctx, tx, ConsumeResetTokenForEmailSQL, passwordHash, email, token, epochMillis(time.Now()))
}

func (a *users) execReturningOne(ctx context.Context, tx bun.IDB, query string, args ...any) (*User, error) {
	res, err := a.Repository.RawTx(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, repository.NewRecordNotFound()
	}

	return res[0], nil
}

func (a *users) TrackSuccessfulLogin(ctx context.Context, user *User) error {
	return a.TrackSuccessfulLoginTx(ctx, a.db, user)
}

func (a *users) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, user *User) error {
	// NOTE: Updating using the ORM fails due to a bug, it wont reset
	// login_attempt_at, login_attempts fields.
	loggedInAt := time.Now()
	_, err := tx.NewRaw(`
		UPDATE "users" AS "usr"
		SET
			"loggedin_at" = ?,
			"login_attempt_at" = NULL,
			"login_attempts" = 0
		WHERE
			("usr".id = ?)
			AND "usr"."deleted_at" IS NULL;
	`, loggedInAt, user.ID).Exec(ctx)

	return err
}

func (a *users) TrackAttemptedLogin(ctx context.Context, user *User) error {
	return a.TrackAttemptedLoginTx(ctx, a.db, user)
}

func (a *users) TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, user *User) error {
	criteria := []repository.UpdateCriteria{
		repository.UpdateByID(user.ID.String()),
	}

	record := &User{}
	record.ID = user.ID
	record.LoginAttempts = user.LoginAttempts + 1
	now := time.Now()
	record.LoginAttemptAt = &now

	_, err := a.Repository.UpdateTx(ctx, tx, record, criteria...)

	return err
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}

	if record.AuthProvider == "" {
		record.AuthProvider = ProviderLocal
	}

	if record.PublicID == "" {
		record.PublicID = uuid.NewString()
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

type identifierOption struct {
	column string
	value  string
}

func resolveUserIdentifier(identifier string) []identifierOption {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil
	}

	options := make([]identifierOption, 0, 3)

	if isUUID(trimmed) {
		options = append(options, identifierOption{
			column: "id",
			value:  trimmed,
		})
	}

	if isEmail(trimmed) {
		options = append(options, identifierOption{
			column: "email",
			value:  trimmed,
		})
	}

	options = append(options, identifierOption{
		column: "public_id",
		value:  trimmed,
	})

	return options
}

func isEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isUUID(identifier string) bool {
	_, err := uuid.Parse(identifier)
	return err == nil
}
