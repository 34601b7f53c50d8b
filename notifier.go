package accounts

import (
	"context"
	"fmt"
)

// NotificationKind selects which message template a token delivery uses.
type NotificationKind string

const (
	// NotificationVerifyLink carries the account verification token
	NotificationVerifyLink NotificationKind = "verify-link"
	// NotificationResetLink carries the forgot-password token
	NotificationResetLink NotificationKind = "reset-link"
	// NotificationPasswordCode carries the password change confirmation code
	NotificationPasswordCode NotificationKind = "password-code"
	// NotificationEmailChangeCode carries the email change confirmation code,
	// always delivered to the address being claimed
	NotificationEmailChangeCode NotificationKind = "email-change-code"
)

// Notifier delivers action tokens out of band, normally over email.
// Deliveries happen after the issuing transaction commits and failures never
// roll back the token; the user can always request a fresh one.
type Notifier interface {
	Send(ctx context.Context, email, token string, kind NotificationKind) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, email, token string, kind NotificationKind) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, email, token string, kind NotificationKind) error {
	if f == nil {
		return nil
	}
	return f(ctx, email, token, kind)
}

// LogNotifier prints deliveries to stdout. Stands in for a real mailer during
// development and in the examples.
type LogNotifier struct{}

// Send implements Notifier.
func (LogNotifier) Send(_ context.Context, email, token string, kind NotificationKind) error {
	fmt.Println("====== SENDING EMAIL NOTIFICATION =======")
	fmt.Printf("to: %s\n", email)
	switch kind {
	case NotificationResetLink:
		fmt.Printf("link: /password-reset/%s\n", token)
	case NotificationPasswordCode, NotificationEmailChangeCode:
		fmt.Printf("code: %s\n", token)
	default:
		fmt.Printf("link: /verify/%s\n", token)
	}
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, string, string, NotificationKind) error {
	return nil
}

func normalizeNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

// notifyAsync fires a delivery in the background once the surrounding
// transaction has committed.
func notifyAsync(notifier Notifier, logger Logger, email, token string, kind NotificationKind) {
	notifier = normalizeNotifier(notifier)
	go func() {
		if err := notifier.Send(context.Background(), email, token, kind); err != nil && logger != nil {
			logger.Warn("notification delivery failed: kind=%s email=%s err=%s", kind, email, err)
		}
	}()
}
