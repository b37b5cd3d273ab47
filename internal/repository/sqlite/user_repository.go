package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"user-auth/internal/domain"
	"user-auth/internal/repository"
)

const userColumns = `id, username, full_name, email, password_hash, disabled, created_at, updated_at`

type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) repository.UserRepository {
	return &UserRepository{db: db}
}

// withConn checks a connection out of the pool for the duration of fn.
func (r *UserRepository) withConn(ctx context.Context, op string, fn func(conn *sqlx.Conn) error) error {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return repository.NewStorageError(op, err)
	}
	defer conn.Close()

	return fn(conn)
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (int64, error) {
	now := time.Now().UTC()

	var id int64
	err := r.withConn(ctx, "insert user", func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, `
INSERT INTO users (username, full_name, email, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			user.Username,
			user.FullName,
			user.Email,
			user.PasswordHash,
			user.Disabled,
			now,
			now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", repository.ErrDuplicateUser, user.Username)
			}
			return repository.NewStorageError("insert user", err)
		}

		id, err = res.LastInsertId()
		if err != nil {
			return repository.NewStorageError("user last insert id", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return id, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = ? LIMIT 1`, username)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r *UserRepository) SetDisabled(ctx context.Context, username string, disabled bool) error {
	return r.withConn(ctx, "update user", func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, `
UPDATE users SET disabled = ?, updated_at = ?
WHERE username = ?`,
			disabled,
			time.Now().UTC(),
			username,
		)
		if err != nil {
			return repository.NewStorageError("update user", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return repository.NewStorageError("update user rows affected", err)
		}
		if n == 0 {
			return repository.ErrUserNotFound
		}
		return nil
	})
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	var user domain.User
	err := r.withConn(ctx, "select user", func(conn *sqlx.Conn) error {
		if err := conn.GetContext(ctx, &user, query, arg); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrUserNotFound
			}
			return repository.NewStorageError("select user", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlitedrv.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		if sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return strings.Contains(strings.ToUpper(sqliteErr.Error()), "UNIQUE")
		}
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
