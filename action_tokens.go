package accounts

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Default action token lifetimes. Verification links are long lived since
// they sit in an inbox; confirmation codes for sensitive changes are short.
const (
	DefaultVerifyTokenTTL = 24 * time.Hour
	DefaultResetTokenTTL  = 15 * time.Minute
	DefaultChangeCodeTTL  = 15 * time.Minute
)

// ActionToken is a freshly issued single-use token with its expiry as epoch
// milliseconds, matching the column type it is stored in.
type ActionToken struct {
	Value     string
	ExpiresAt int64
}

// NewActionToken issues an opaque link token valid for ttl.
func NewActionToken(ttl time.Duration) ActionToken {
	return ActionToken{
		Value:     uuid.NewString(),
		ExpiresAt: epochMillis(time.Now().Add(ttl)),
	}
}

// NewActionCode issues a 6 digit numeric confirmation code valid for ttl.
// Codes are typed by people, links are clicked; both live in the same slot.
func NewActionCode(ttl time.Duration) (ActionToken, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return ActionToken{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate confirmation code")
	}

	return ActionToken{
		Value:     fmt.Sprintf("%06d", n.Int64()),
		ExpiresAt: epochMillis(time.Now().Add(ttl)),
	}, nil
}

// Expired reports whether the token is past its expiry at the given instant.
func (t ActionToken) Expired(now time.Time) bool {
	return t.ExpiresAt <= epochMillis(now)
}
