package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

type RegisterUserMessage struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
	UseHashid  bool
	OnResponse func(resp *RegisterUserResponse)
}

func (e RegisterUserMessage) Type() string { return "user.register" }

type RegisterUserResponse struct {
	User        *User
	VerifyToken string
}

type RegisterUserHandler struct {
	repo     RepositoryManager
	notifier Notifier
	activity ActivitySink
	logger   Logger
}

// NewRegisterUserHandler creates a handler with sane defaults.
func NewRegisterUserHandler(repo RepositoryManager) *RegisterUserHandler {
	return &RegisterUserHandler{
		repo:     repo,
		notifier: noopNotifier{},
		activity: noopActivitySink{},
		logger:   defLogger{},
	}
}

// WithNotifier sets the out-of-band delivery channel for verify tokens.
func (h *RegisterUserHandler) WithNotifier(n Notifier) *RegisterUserHandler {
	h.notifier = normalizeNotifier(n)
	return h
}

// WithActivitySink sets the sink used to emit registration events.
func (h *RegisterUserHandler) WithActivitySink(sink ActivitySink) *RegisterUserHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *RegisterUserHandler) WithLogger(logger Logger) *RegisterUserHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	user := &User{}
	token := NewActionToken(DefaultVerifyTokenTTL)

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := h.repo.Users().GetByIdentifierTx(ctx, tx, event.Email)
		if err != nil && !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check for existing account")
		}

		if existing != nil {
			// Distinct conflict codes: a verified owner should log in, an
			// unverified one should reach for the resend flow.
			if existing.IsVerified {
				return goerrors.New("an account with this email already exists", goerrors.CategoryConflict).
					WithCode(goerrors.CodeConflict).
					WithTextCode(TextCodeEmailTaken)
			}
			return goerrors.New("this email is pending verification, request a new verification link", goerrors.CategoryConflict).
				WithCode(goerrors.CodeConflict).
				WithTextCode(TextCodeEmailUnverified)
		}

		hash, err := HashPassword(event.Password)
		if err != nil {
			var richErr *goerrors.Error
			if goerrors.As(err, &richErr) {
				return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
		}

		phone, err := NormalizePhone(event.Phone, "")
		if err != nil {
			return err
		}

		user.PasswordHash = hash
		user.Email = event.Email
		user.Phone = phone
		user.Name = event.Name
		user.AuthProvider = ProviderLocal
		user.VerifyToken = token.Value
		user.VerifyTokenExpiresAt = token.ExpiresAt
		if event.UseHashid {
			if id, err := hashid.NewUUID(event.Email); err == nil {
				user.ID = id
			}
		}

		if user, err = h.repo.Users().CreateTx(ctx, tx, user); err != nil {
			// The pre-check above races with concurrent registrations; only a
			// unique violation on insert is a conflict, anything else is a
			// storage failure.
			if IsUniqueViolation(err) {
				return goerrors.Wrap(err, goerrors.CategoryConflict, "an account with this email already exists").
					WithCode(goerrors.CodeConflict).
					WithTextCode(TextCodeEmailTaken)
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "could not create user")
		}

		if err := h.repo.Roles().AssignTx(ctx, tx, user.ID, RoleUser); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to assign default role")
		}
		user.Roles = []RoleName{RoleUser}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}

		return goerrors.Wrap(err, goerrors.CategoryInternal, "user registration transaction failed")
	}

	notifyAsync(h.notifier, h.logger, user.Email, token.Value, NotificationVerifyLink)

	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType: ActivityEventRegistered,
		UserID:    user.PublicID,
		Email:     user.Email,
	})

	if event.OnResponse != nil {
		event.OnResponse(&RegisterUserResponse{
			User:        user,
			VerifyToken: token.Value,
		})
	}

	return nil
}
