package accounts_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeter-labs/accounts"
)

func TestRolesSeedIsIdempotent(t *testing.T) {
	repo, _ := setupRepoManager(t)
	ctx := context.Background()

	require.NoError(t, repo.Roles().Seed(ctx, accounts.RoleUser, accounts.RoleAdmin))

	first, err := repo.Roles().GetByName(ctx, accounts.RoleUser)
	require.NoError(t, err)

	require.NoError(t, repo.Roles().Seed(ctx, accounts.RoleUser, accounts.RoleAdmin))

	second, err := repo.Roles().GetByName(ctx, accounts.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "reseeding should not mint new role rows")
}

func TestRolesAssignAndResolve(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	require.NoError(t, repo.Roles().Seed(ctx, accounts.RoleUser, accounts.RoleAdmin))

	user := createTestUser(t, repo, "admin@example.com", "password-1", true)

	require.NoError(t, repo.Roles().AssignTx(ctx, db, user.ID, accounts.RoleUser))
	require.NoError(t, repo.Roles().AssignTx(ctx, db, user.ID, accounts.RoleAdmin))

	// assigning twice is a no-op, not an error
	require.NoError(t, repo.Roles().AssignTx(ctx, db, user.ID, accounts.RoleAdmin))

	names, err := repo.Roles().FindNamesByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []accounts.RoleName{accounts.RoleUser, accounts.RoleAdmin}, names)
}

func TestRolesAssignUnknownRole(t *testing.T) {
	repo, db := setupRepoManager(t)
	ctx := context.Background()

	user := createTestUser(t, repo, "norole@example.com", "password-1", true)

	err := repo.Roles().AssignTx(ctx, db, user.ID, accounts.RoleName("GHOST"))
	assert.Error(t, err)
}

func TestUserHasRole(t *testing.T) {
	user := &accounts.User{Roles: []accounts.RoleName{accounts.RoleUser}}

	assert.True(t, user.HasRole(accounts.RoleUser))
	assert.False(t, user.HasRole(accounts.RoleAdmin))
}
