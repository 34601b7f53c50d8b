package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Email changes park the new address in pending_email until the code mailed
// to it is confirmed; the live address keeps working the whole time.

type InitializeChangeEmailMessage struct {
	// Email of the authenticated caller, taken from the session.
	Email      string `json:"-"`
	NewEmail   string `json:"new_email"`
	Password   string `json:"password"`
	OnResponse func(resp *InitializeChangeEmailResponse)
}

func (p InitializeChangeEmailMessage) Type() string { return "user.change_email_init" }

type InitializeChangeEmailResponse struct {
	User *User
	Code string
}

type InitializeChangeEmailHandler struct {
	repo     RepositoryManager
	notifier Notifier
	logger   Logger
}

func NewInitializeChangeEmailHandler(repo RepositoryManager) *InitializeChangeEmailHandler {
	return &InitializeChangeEmailHandler{
		repo:     repo,
		notifier: noopNotifier{},
		logger:   defLogger{},
	}
}

func (h *InitializeChangeEmailHandler) WithNotifier(n Notifier) *InitializeChangeEmailHandler {
	h.notifier = normalizeNotifier(n)
	return h
}

func (h *InitializeChangeEmailHandler) WithLogger(logger Logger) *InitializeChangeEmailHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *InitializeChangeEmailHandler) Execute(ctx context.Context, event InitializeChangeEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during email change initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializeChangeEmailHandler) execute(ctx context.Context, event InitializeChangeEmailMessage) error {
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
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for email change")
		}

		if err := ComparePasswordAndHash(event.Password, user.PasswordHash); err != nil {
			return goerrors.New("current password does not match", goerrors.CategoryBadInput).
				WithCode(goerrors.CodeBadRequest)
		}

		// The new address must be free before we park anything; a failed
		// check leaves pending_email untouched.
		if taken, err := h.repo.Users().GetByIdentifierTx(ctx, tx, event.NewEmail); err == nil && taken != nil {
			return goerrors.New("an account with this email already exists", goerrors.CategoryConflict).
				WithCode(goerrors.CodeConflict).
				WithTextCode(TextCodeEmailTaken)
		} else if err != nil && !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check email availability")
		}

		user, err = h.repo.Users().SetPendingEmailTx(ctx, tx, user.ID, event.NewEmail, code.Value, code.ExpiresAt)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store pending email change")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to initialize email change")
	}

	// The code goes to the address being claimed, proving the caller can
	// read it.
	notifyAsync(h.notifier, h.logger, event.NewEmail, code.Value, NotificationEmailChangeCode)

	if event.OnResponse != nil {
		event.OnResponse(&InitializeChangeEmailResponse{
			User: user,
			Code: code.Value,
		})
	}

	return nil
}

type FinalizeChangeEmailMessage struct {
	// Email of the authenticated caller, taken from the session.
	Email      string `json:"-"`
	Code       string `json:"otp"`
	OnResponse func(resp *FinalizeChangeEmailResponse)
}

func (p FinalizeChangeEmailMessage) Type() string { return "user.change_email_finalize" }

type FinalizeChangeEmailResponse struct {
	User *User
}

type FinalizeChangeEmailHandler struct {
	repo     RepositoryManager
	activity ActivitySink
	logger   Logger
}

func NewFinalizeChangeEmailHandler(repo RepositoryManager) *FinalizeChangeEmailHandler {
	return &FinalizeChangeEmailHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
	}
}

func (h *FinalizeChangeEmailHandler) WithActivitySink(sink ActivitySink) *FinalizeChangeEmailHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

func (h *FinalizeChangeEmailHandler) WithLogger(logger Logger) *FinalizeChangeEmailHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *FinalizeChangeEmailHandler) Execute(ctx context.Context, event FinalizeChangeEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during email change finalization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizeChangeEmailHandler) execute(ctx context.Context, event FinalizeChangeEmailMessage) error {
	if event.Code == "" {
		return ErrInvalidOrExpiredToken
	}

	user := &User{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var err error

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := h.repo.Users().GetByIdentifierTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrIdentityNotFound
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for email change")
		}

		if current.PendingEmail == "" {
			return goerrors.New("no email change is pending for this account", goerrors.CategoryBadInput).
				WithCode(goerrors.CodeBadRequest).
				WithTextCode(TextCodeNoPendingEmail)
		}

		user, err = h.repo.Users().ConsumeEmailChangeTokenForEmailTx(ctx, tx, event.Email, event.Code)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrInvalidOrExpiredToken
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to consume email change code")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to finalize email change")
	}

	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType: ActivityEventEmailChanged,
		UserID:    user.PublicID,
		Email:     user.Email,
	})

	if event.OnResponse != nil {
		event.OnResponse(&FinalizeChangeEmailResponse{User: user})
	}

	return nil
}
