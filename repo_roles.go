package accounts

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Roles interface {
	repository.Repository[*Role]

	GetByName(ctx context.Context, name RoleName) (*Role, error)
	GetByNameTx(ctx context.Context, tx bun.IDB, name RoleName) (*Role, error)
	Seed(ctx context.Context, names ...RoleName) error
	AssignTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, name RoleName) error
	FindNamesByUserID(ctx context.Context, userID uuid.UUID) ([]RoleName, error)
	FindNamesByUserIDTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]RoleName, error)
}

type roles struct {
	repository.Repository[*Role]
	db *bun.DB
}

var _ Roles = (*roles)(nil)

func NewRolesRepository(db *bun.DB) Roles {
	repo := repository.NewRepository[*Role](db, repository.ModelHandlers[*Role]{
		NewRecord: func() *Role { return &Role{} },
		GetID: func(r *Role) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *Role, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	})

	return &roles{
		Repository: repo,
		db:         db,
	}
}

func (a *roles) GetByName(ctx context.Context, name RoleName) (*Role, error) {
	return a.GetByNameTx(ctx, a.db, name)
}

func (a *roles) GetByNameTx(ctx context.Context, tx bun.IDB, name RoleName) (*Role, error) {
	record := &Role{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.name = ?", name).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"name": name,
				})
		}
		return nil, err
	}

	return record, nil
}

// Seed inserts any missing roles, safe to run on every startup.
func (a *roles) Seed(ctx context.Context, names ...RoleName) error {
	for _, name := range names {
		if _, err := a.GetByName(ctx, name); err == nil {
			continue
		} else if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up role during seed")
		}

		record := &Role{
			ID:   uuid.New(),
			Name: name,
		}
		if _, err := a.Repository.Create(ctx, record); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to seed role").
				WithMetadata(map[string]any{"name": name})
		}
	}
	return nil
}

// AssignTx grants a role to a user, ignoring an existing grant.
func (a *roles) AssignTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, name RoleName) error {
	role, err := a.GetByNameTx(ctx, tx, name)
	if err != nil {
		return err
	}

	link := &UserRole{
		UserID: userID,
		RoleID: role.ID,
	}

	_, err = tx.NewInsert().Model(link).
		On("CONFLICT DO NOTHING").
		Exec(ctx)

	return err
}

func (a *roles) FindNamesByUserID(ctx context.Context, userID uuid.UUID) ([]RoleName, error) {
	return a.FindNamesByUserIDTx(ctx, a.db, userID)
}

// FindNamesByUserIDTx resolves role names through the join table.
func (a *roles) FindNamesByUserIDTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]RoleName, error) {
	var names []RoleName

	err := tx.NewSelect().
		ColumnExpr("rol.name").
		TableExpr("roles AS rol").
		Join("JOIN user_roles AS usr_rol ON usr_rol.role_id = rol.id").
		Where("usr_rol.user_id = ?", userID).
		OrderExpr("rol.name ASC").
		Scan(ctx, &names)

	if err != nil {
		return nil, err
	}

	return names, nil
}
