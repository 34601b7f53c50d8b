package accounts_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/perimeter-labs/accounts"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	require.NoError(t, accounts.InitSchema(context.Background(), db))

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func setupRepoManager(t *testing.T) (accounts.RepositoryManager, *bun.DB) {
	t.Helper()
	db := setupTestDB(t)
	repo := accounts.NewRepositoryManager(db)
	require.NoError(t, repo.Validate())
	return repo, db
}

func createTestUser(t *testing.T, repo accounts.RepositoryManager, email, password string, verified bool) *accounts.User {
	t.Helper()

	hash, err := accounts.HashPassword(password)
	require.NoError(t, err)

	user, err := repo.Users().Create(context.Background(), &accounts.User{
		Name:         "Test User",
		Email:        email,
		PasswordHash: hash,
		IsVerified:   verified,
	})
	require.NoError(t, err)
	return user
}

func futureMillis(d time.Duration) int64 {
	return time.Now().Add(d).UnixMilli()
}
