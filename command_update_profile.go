package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type UpdateProfileMessage struct {
	// Email of the authenticated caller, taken from the session.
	Email      string `json:"-"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	OnResponse func(resp *UpdateProfileResponse)
}

func (p UpdateProfileMessage) Type() string { return "user.update_profile" }

type UpdateProfileResponse struct {
	User *User
}

// UpdateProfileHandler touches display fields only. Email and password have
// their own confirmation flows.
type UpdateProfileHandler struct {
	repo   RepositoryManager
	logger Logger
}

func NewUpdateProfileHandler(repo RepositoryManager) *UpdateProfileHandler {
	return &UpdateProfileHandler{
		repo:   repo,
		logger: defLogger{},
	}
}

func (h *UpdateProfileHandler) WithLogger(logger Logger) *UpdateProfileHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *UpdateProfileHandler) Execute(ctx context.Context, event UpdateProfileMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during profile update",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *UpdateProfileHandler) execute(ctx context.Context, event UpdateProfileMessage) error {
	user := &User{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var err error

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err = h.repo.Users().GetByIdentifierTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrIdentityNotFound
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for profile update")
		}

		phone, err := NormalizePhone(event.Phone, "")
		if err != nil {
			return err
		}

		record := &User{}
		record.ID = user.ID
		record.Name = event.Name
		record.Phone = phone

		user, err = h.repo.Users().UpdateTx(ctx, tx, record, repository.UpdateByID(user.ID.String()))
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update profile")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update profile")
	}

	if event.OnResponse != nil {
		event.OnResponse(&UpdateProfileResponse{User: user})
	}

	return nil
}
