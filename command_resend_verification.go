package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type ResendVerificationMessage struct {
	Email      string `json:"email"`
	OnResponse func(resp *ResendVerificationResponse)
}

func (e ResendVerificationMessage) Type() string { return "user.resend_verification" }

type ResendVerificationResponse struct {
	User        *User
	VerifyToken string
}

type ResendVerificationHandler struct {
	repo     RepositoryManager
	notifier Notifier
	logger   Logger
}

func NewResendVerificationHandler(repo RepositoryManager) *ResendVerificationHandler {
	return &ResendVerificationHandler{
		repo:     repo,
		notifier: noopNotifier{},
		logger:   defLogger{},
	}
}

func (h *ResendVerificationHandler) WithNotifier(n Notifier) *ResendVerificationHandler {
	h.notifier = normalizeNotifier(n)
	return h
}

func (h *ResendVerificationHandler) WithLogger(logger Logger) *ResendVerificationHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *ResendVerificationHandler) Execute(ctx context.Context, event ResendVerificationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during verification resend",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *ResendVerificationHandler) execute(ctx context.Context, event ResendVerificationMessage) error {
	user := &User{}
	token := NewActionToken(DefaultVerifyTokenTTL)

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var err error

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err = h.repo.Users().GetByIdentifierTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return goerrors.New("no account found for this email", goerrors.CategoryNotFound).
					WithCode(goerrors.CodeNotFound)
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for verification resend")
		}

		if user.IsVerified {
			return goerrors.New("account is already verified", goerrors.CategoryConflict).
				WithCode(goerrors.CodeConflict).
				WithTextCode(TextCodeAlreadyVerified)
		}

		// Overwrite any previous token, only the latest link works.
		user, err = h.repo.Users().StoreActionTokenTx(ctx, tx, user.ID, PurposeVerify, token.Value, token.ExpiresAt)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store verification token")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resend verification")
	}

	notifyAsync(h.notifier, h.logger, user.Email, token.Value, NotificationVerifyLink)

	if event.OnResponse != nil {
		event.OnResponse(&ResendVerificationResponse{
			User:        user,
			VerifyToken: token.Value,
		})
	}

	return nil
}
