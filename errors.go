package accounts

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes attached to rich errors so API clients can branch on failures
// without parsing human-readable messages.
const (
	TextCodeTokenExpired    = "TOKEN_EXPIRED"
	TextCodeTokenMalformed  = "TOKEN_MALFORMED"
	TextCodeTokenInvalid    = "TOKEN_INVALID_OR_EXPIRED"
	TextCodeEmailTaken      = "EMAIL_TAKEN"
	TextCodeEmailUnverified = "EMAIL_UNVERIFIED"
	TextCodeNotVerified     = "ACCOUNT_NOT_VERIFIED"
	TextCodeNoPendingEmail  = "NO_PENDING_EMAIL_CHANGE"
	TextCodeAlreadyVerified = "ALREADY_VERIFIED"
)

// ErrIdentityNotFound is the error we return for non found identities
var ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrMismatchedHashAndPassword is returned for any credential mismatch. The
// message is intentionally generic to resist account enumeration.
var ErrMismatchedHashAndPassword = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountNotVerified blocks password logins until the email is verified.
// Distinct from invalid credentials so clients can offer a resend action.
var ErrAccountNotVerified = goerrors.New("account is not verified, follow the link we emailed you or request a new one", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeNotVerified)

// ErrTooManyLoginAttempts enforces the credential cool down window.
var ErrTooManyLoginAttempts = goerrors.New("too many login attempts, try again later", goerrors.CategoryRateLimit)

// ErrInvalidOrExpiredToken unifies "wrong token", "expired token", and "never
// issued" for action token consumption; one message for all three so callers
// cannot probe which case they hit.
var ErrInvalidOrExpiredToken = goerrors.New("invalid or expired token", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeTokenInvalid)

// ErrTokenExpired is returned when a session JWT is past its expiry.
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeTokenExpired)

// ErrTokenMalformed is returned when a session JWT fails to parse or its
// signature does not verify.
var ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeTokenMalformed)

// ErrUnableToFindSession is the error when our request has no token
var ErrUnableToFindSession = goerrors.New("unable to find session", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized)

// ErrUnableToDecodeSession unable to decode JWT claims
var ErrUnableToDecodeSession = goerrors.New("unable to decode session", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoEmptyString guards hashing helpers against empty inputs
var ErrNoEmptyString = goerrors.New("value must not be an empty string", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest)

// IsUniqueViolation reports whether a driver error is a unique constraint
// failure. bun hands back raw driver errors, so the message shapes for sqlite
// and postgres are all there is to match on.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}
