package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/isometry/ldapsync/internal/store/migrations"
)

// PostgresStore is the relational Store backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool for dsn and runs pending
// migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, first_name, last_name, email, creation_method, created_at
	          FROM users WHERE username = $1`

	user := &User{}
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.First, &user.Last,
		&user.Email, &user.CreationMethod, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) (*User, error) {
	copied := *user
	if copied.ID == uuid.Nil {
		copied.ID = uuid.New()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}

	query := `INSERT INTO users (id, username, first_name, last_name, email, creation_method, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		copied.ID, copied.Username, copied.First, copied.Last,
		copied.Email, copied.CreationMethod, copied.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &DuplicateError{Kind: "user", Name: copied.Username}
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &copied, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user *User) error {
	query := `UPDATE users SET first_name = $2, last_name = $3, email = $4, creation_method = $5
	          WHERE username = $1`

	result, err := s.db.ExecContext(ctx, query,
		user.Username, user.First, user.Last, user.Email, user.CreationMethod)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExternalUsers(ctx context.Context) ([]User, error) {
	query := `SELECT id, username, first_name, last_name, email, creation_method, created_at
	          FROM users WHERE creation_method = $1 ORDER BY username`

	rows, err := s.db.QueryContext(ctx, query, CreationExternal)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.First, &user.Last,
			&user.Email, &user.CreationMethod, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	query := `SELECT id, name, directory_managed, created_at FROM groups WHERE name = $1`

	group := &Group{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&group.ID, &group.Name, &group.DirectoryManaged, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, group *Group) (*Group, error) {
	copied := *group
	if copied.ID == uuid.Nil {
		copied.ID = uuid.New()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}

	query := `INSERT INTO groups (id, name, directory_managed, created_at)
	          VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		copied.ID, copied.Name, copied.DirectoryManaged, copied.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &DuplicateError{Kind: "group", Name: copied.Name}
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &copied, nil
}

func (s *PostgresStore) UpdateGroup(ctx context.Context, group *Group) error {
	query := `UPDATE groups SET directory_managed = $2 WHERE name = $1`

	result, err := s.db.ExecContext(ctx, query, group.Name, group.DirectoryManaged)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListManagedGroups(ctx context.Context) ([]Group, error) {
	query := `SELECT id, name, directory_managed, created_at
	          FROM groups WHERE directory_managed ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.DirectoryManaged, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) SetMembership(ctx context.Context, groupName string, usernames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	var groupID uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM groups WHERE name = $1`, groupName).Scan(&groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	insert := `INSERT INTO group_members (group_id, user_id)
	           SELECT $1, id FROM users WHERE username = $2
	           ON CONFLICT DO NOTHING`
	for _, username := range usernames {
		if _, err := tx.ExecContext(ctx, insert, groupID, username); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetMembership(ctx context.Context, groupName string) ([]string, error) {
	if _, err := s.GetGroup(ctx, groupName); err != nil {
		return nil, err
	}

	query := `SELECT u.username
	          FROM group_members m
	          JOIN groups g ON g.id = m.group_id
	          JOIN users u ON u.id = m.user_id
	          WHERE g.name = $1 ORDER BY u.username`

	rows, err := s.db.QueryContext(ctx, query, groupName)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	usernames := []string{}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		usernames = append(usernames, username)
	}
	return usernames, rows.Err()
}

func (s *PostgresStore) GroupsOfUser(ctx context.Context, username string) ([]Group, error) {
	query := `SELECT g.id, g.name, g.directory_managed, g.created_at
	          FROM group_members m
	          JOIN groups g ON g.id = m.group_id
	          JOIN users u ON u.id = m.user_id
	          WHERE u.username = $1 ORDER BY g.name`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.DirectoryManaged, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) ReplaceUserManagedGroups(ctx context.Context, username string, groupNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	var userID uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}

	remove := `DELETE FROM group_members m
	           USING groups g
	           WHERE m.group_id = g.id AND m.user_id = $1 AND g.directory_managed`
	if _, err := tx.ExecContext(ctx, remove, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	insert := `INSERT INTO group_members (group_id, user_id)
	           SELECT id, $2 FROM groups WHERE name = $1 AND directory_managed
	           ON CONFLICT DO NOTHING`
	for _, name := range groupNames {
		if _, err := tx.ExecContext(ctx, insert, name, userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation matches SQLSTATE 23505 from the pgx driver.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var state sqlState
	return errors.As(err, &state) && state.SQLState() == "23505"
}
