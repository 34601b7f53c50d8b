package accounts

import (
	"context"

	"github.com/uptrace/bun"
)

// Schema statements used by the server binary and the test fixtures. Kept as
// plain SQL so sqlite and postgres read the same shape.
var SchemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id TEXT NOT NULL PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL UNIQUE,
	phone_number TEXT DEFAULT '',
	pending_email TEXT,
	password_hash TEXT DEFAULT '',
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	verify_token TEXT,
	verify_token_expires_at BIGINT NOT NULL DEFAULT 0,
	reset_token TEXT,
	reset_token_expires_at BIGINT NOT NULL DEFAULT 0,
	auth_provider TEXT NOT NULL DEFAULT 'LOCAL',
	provider_id TEXT,
	login_attempts INTEGER NOT NULL DEFAULT 0,
	login_attempt_at TIMESTAMP NULL,
	loggedin_at TIMESTAMP NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	deleted_at TIMESTAMP NULL
);`,
	`CREATE TABLE IF NOT EXISTS roles (
	id TEXT NOT NULL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`,
	`CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL,
	role_id TEXT NOT NULL,
	PRIMARY KEY (user_id, role_id),
	FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE,
	FOREIGN KEY (role_id) REFERENCES roles (id) ON DELETE CASCADE
);`,
	`CREATE INDEX IF NOT EXISTS idx_users_verify_token ON users (verify_token);`,
	`CREATE INDEX IF NOT EXISTS idx_users_reset_token ON users (reset_token);`,
}

// InitSchema applies the schema statements.
func InitSchema(ctx context.Context, db *bun.DB) error {
	for _, stmt := range SchemaSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
