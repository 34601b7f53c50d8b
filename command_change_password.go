package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Changing the password of a logged-in account is a two step dance: init
// proves the current password and mails a short-lived confirmation code to
// the account's address, complete proves the code and swaps the hash.

type InitializeChangePasswordMessage struct {
	// Email of the authenticated caller, taken from the session, never from
	// the payload.
	Email       string `json:"-"`
	OldPassword string `json:"old_password"`
	OnResponse  func(resp *InitializeChangePasswordResponse)
}

func (p InitializeChangePasswordMessage) Type() string { return "user.change_password_init" }

type InitializeChangePasswordResponse struct {
	User *User
	Code string
}

type InitializeChangePasswordHandler struct {
	repo     RepositoryManager
	notifier Notifier
	logger   Logger
}

func NewInitializeChangePasswordHandler(repo RepositoryManager) *InitializeChangePasswordHandler {
	return &InitializeChangePasswordHandler{
		repo:     repo,
		notifier: noopNotifier{},
		logger:   defLogger{},
	}
}

func (h *InitializeChangePasswordHandler) WithNotifier(n Notifier) *InitializeChangePasswordHandler {
	h.notifier = normalizeNotifier(n)
	return h
}

func (h *InitializeChangePasswordHandler) WithLogger(logger Logger) *InitializeChangePasswordHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *InitializeChangePasswordHandler) Execute(ctx context.Context, event InitializeChangePasswordMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password change initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializeChangePasswordHandler) execute(ctx context.Context, event InitializeChangePasswordMessage) error {
	user := &User{}

	code, err := NewActionCode(DefaultChangeCodeTTL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err = h.repo.Users().GetByIdentifierTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrIdentityNotFound
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for password change")
		}

		if err := ComparePasswordAndHash(event.OldPassword, user.PasswordHash); err != nil {
			return goerrors.New("current password does not match", goerrors.CategoryBadInput).
				WithCode(goerrors.CodeBadRequest)
		}

		user, err = h.repo.Users().StoreActionTokenTx(ctx, tx, user.ID, PurposeReset, code.Value, code.ExpiresAt)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store password change code")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to initialize password change")
	}

	notifyAsync(h.notifier, h.logger, user.Email, code.Value, NotificationPasswordCode)

	if event.OnResponse != nil {
		event.OnResponse(&InitializeChangePasswordResponse{
			User: user,
			Code: code.Value,
		})
	}

	return nil
}

type FinalizeChangePasswordMessage struct {
	// Email of the authenticated caller, taken from the session. Scoping the
	// consume to it stops one account's code from acting on another.
	Email    string `json:"-"`
	Code     string `json:"otp"`
	Password string `json:"new_password"`
}

func (p FinalizeChangePasswordMessage) Type() string { return "user.change_password_finalize" }

type FinalizeChangePasswordHandler struct {
	repo     RepositoryManager
	activity ActivitySink
	logger   Logger
}

func NewFinalizeChangePasswordHandler(repo RepositoryManager) *FinalizeChangePasswordHandler {
	return &FinalizeChangePasswordHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
	}
}

func (h *FinalizeChangePasswordHandler) WithActivitySink(sink ActivitySink) *FinalizeChangePasswordHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

func (h *FinalizeChangePasswordHandler) WithLogger(logger Logger) *FinalizeChangePasswordHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *FinalizeChangePasswordHandler) Execute(ctx context.Context, event FinalizeChangePasswordMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password change finalization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizeChangePasswordHandler) execute(ctx context.Context, event FinalizeChangePasswordMessage) error {
	if event.Code == "" {
		return ErrInvalidOrExpiredToken
	}

	user := &User{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var err error

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		passwordHash, err := HashPassword(event.Password)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password provided")
		}

		user, err = h.repo.Users().ConsumeResetTokenForEmailTx(ctx, tx, event.Email, event.Code, passwordHash)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrInvalidOrExpiredToken
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update user password in database")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to finalize password change")
	}

	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		UserID:    user.PublicID,
		Email:     user.Email,
	})

	return nil
}
