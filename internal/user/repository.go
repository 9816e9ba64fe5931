package user

import (
	"context"
	"database/sql"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := "SELECT id, email, name, COALESCE(image, ''), role, password FROM users WHERE email = $1"
	return r.getUser(ctx, query, email)
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	query := "SELECT id, email, name, COALESCE(image, ''), role, password FROM users WHERE id = $1"
	return r.getUser(ctx, query, id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Role, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}
