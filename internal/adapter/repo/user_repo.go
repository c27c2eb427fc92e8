package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
	"visionbatch/internal/sqlinline"
)

const pgCheckViolation = "23514"

// UserRepositoryPG implements domain.UserRepository backed by PostgreSQL.
type UserRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewUserRepository creates a new UserRepositoryPG.
func NewUserRepository(sql infra.SQLExecutor) *UserRepositoryPG {
	return &UserRepositoryPG{sql: sql}
}

// DeductCredits debits amount once per reference. An insufficient balance
// or unknown user yields false without error.
func (r *UserRepositoryPG) DeductCredits(ctx context.Context, userID string, amount int, reference string) (bool, error) {
	return r.DeductUnits(ctx, userID, amount, []string{reference})
}

// DeductUnits debits perUnit for every reference not yet in the ledger, in
// one statement. Either all new references are charged or none are: an
// insufficient balance or unknown user yields false without error.
func (r *UserRepositoryPG) DeductUnits(ctx context.Context, userID string, perUnit int, references []string) (bool, error) {
	if perUnit <= 0 {
		return false, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if len(references) == 0 {
		return false, fmt.Errorf("%w: reference is required", domain.ErrInvalidInput)
	}
	for _, ref := range references {
		if strings.TrimSpace(ref) == "" {
			return false, fmt.Errorf("%w: reference is required", domain.ErrInvalidInput)
		}
	}
	var units int
	var userExists bool
	err := r.sql.QueryRow(ctx, sqlinline.QDeductUnits, userID, perUnit, references).Scan(&units, &userExists)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return false, nil
		}
		return false, fmt.Errorf("repo: deduct credits: %w", err)
	}
	if !userExists {
		return false, nil
	}
	// Fewer recorded units than references means the rest were charged by
	// an earlier call.
	return true, nil
}

// GetUser fetches a user by UUID.
func (r *UserRepositoryPG) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return scanUser(r.sql.QueryRow(ctx, sqlinline.QSelectUserByID, userID))
}

// GetByUsername fetches a user by unique username.
func (r *UserRepositoryPG) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(r.sql.QueryRow(ctx, sqlinline.QSelectUserByUsername, strings.TrimSpace(username)))
}

// SetCredits overwrites the balance.
func (r *UserRepositoryPG) SetCredits(ctx context.Context, userID string, credits int) (*domain.User, error) {
	if credits < 0 {
		return nil, fmt.Errorf("%w: credits must not be negative", domain.ErrInvalidInput)
	}
	return scanUser(r.sql.QueryRow(ctx, sqlinline.QUpdateUserCredits, userID, credits))
}

// UpsertUser creates the user when missing. Existing balances are kept.
func (r *UserRepositoryPG) UpsertUser(ctx context.Context, username string, role domain.UserRole, credits int) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", domain.ErrInvalidInput)
	}
	if role == "" {
		role = domain.UserRoleUser
	}
	return scanUser(r.sql.QueryRow(ctx, sqlinline.QUpsertUser, username, string(role), credits))
}

// ListUsers pages through accounts, newest first.
func (r *UserRepositoryPG) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListUsers, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("repo: list users: %w", err)
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: list users: %w", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &role, &u.Credits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	u.Role = domain.UserRole(role)
	return &u, nil
}

var _ domain.UserRepository = (*UserRepositoryPG)(nil)
