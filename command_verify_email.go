package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type VerifyEmailMessage struct {
	Token      string `json:"token"`
	OnResponse func(resp *VerifyEmailResponse)
}

func (e VerifyEmailMessage) Type() string { return "user.verify_email" }

type VerifyEmailResponse struct {
	User *User
	// EmailChanged is true when the token confirmed a pending email change
	// rather than a first-time account verification.
	EmailChanged bool
}

type VerifyEmailHandler struct {
	repo     RepositoryManager
	activity ActivitySink
	logger   Logger
}

func NewVerifyEmailHandler(repo RepositoryManager) *VerifyEmailHandler {
	return &VerifyEmailHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
	}
}

func (h *VerifyEmailHandler) WithActivitySink(sink ActivitySink) *VerifyEmailHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

func (h *VerifyEmailHandler) WithLogger(logger Logger) *VerifyEmailHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *VerifyEmailHandler) Execute(ctx context.Context, event VerifyEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during email verification",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *VerifyEmailHandler) execute(ctx context.Context, event VerifyEmailMessage) error {
	if event.Token == "" {
		return ErrInvalidOrExpiredToken
	}

	resp := &VerifyEmailResponse{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		holder, err := h.repo.Users().GetByActionTokenTx(ctx, tx, PurposeVerify, event.Token)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				// Wrong token and never-issued token share a message with the
				// expired case; callers cannot probe which one they hit.
				return ErrInvalidOrExpiredToken
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up verification token")
		}

		// Expired tokens stay on the row: only a successful consume or a
		// reissue replaces them.
		if holder.VerifyTokenExpiresAt <= epochMillis(time.Now()) {
			return ErrInvalidOrExpiredToken
		}

		var user *User
		if holder.PendingEmail != "" {
			resp.EmailChanged = true
			user, err = h.repo.Users().ConsumeEmailChangeTokenTx(ctx, tx, event.Token)
		} else {
			user, err = h.repo.Users().ConsumeVerifyTokenTx(ctx, tx, event.Token)
		}

		if err != nil {
			if repository.IsRecordNotFound(err) {
				// Lost the race against a concurrent consume.
				return ErrInvalidOrExpiredToken
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to consume verification token")
		}

		resp.User = user
		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to verify email")
	}

	eventType := ActivityEventEmailVerified
	if resp.EmailChanged {
		eventType = ActivityEventEmailChanged
	}
	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType: eventType,
		UserID:    resp.User.PublicID,
		Email:     resp.User.Email,
	})

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}
