// Package accounts implements a user-account service core: registration,
// credential login, email verification, password reset, email change, and
// social login, all built around two kinds of tokens.
//
// Session tokens:
//   - Compact HS256 JWTs carrying the account email as subject plus issued-at
//     and expiry claims. They are stateless; there is no revocation list, so
//     every request re-resolves the account by subject to pick up current
//     verification state and roles.
//
// Action tokens:
//   - Single-use random tokens persisted on the user row with an absolute
//     expiry. One slot per purpose (verify, reset); issuing a new token for a
//     purpose overwrites the previous one, and consumption clears the slot in
//     the same atomic statement that applies the purpose's effect.
//
// Lifecycle commands:
//   - Each account operation is a command handler (RegisterUserHandler,
//     VerifyEmailHandler, ...) executing inside a repository transaction.
//     Handlers return rich errors from go-errors so the HTTP layer can map
//     categories to status codes without string matching.
//
// Activity sinks:
//   - ActivitySink is a light-weight audit emitter describing login,
//     verification, and password reset events. Sinks run best-effort (errors
//     are logged) so you can forward to a database or queue without blocking
//     authentication.
package accounts
