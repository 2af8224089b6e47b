package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ghaggin/fieldtrack/internal/model"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL,
	is_admin      INTEGER NOT NULL DEFAULT 0,
	online        INTEGER NOT NULL DEFAULT 0,
	last_active   INTEGER NOT NULL DEFAULT 0
);
`

const userColumns = `id, name, password_hash, is_admin, online, last_active`

type sqliteRepo struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSQLite(path string, log *zap.Logger) (Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the liveness handle read while the shell or sessionctl writes.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug("opened sqlite store", zap.String("path", path))

	return &sqliteRepo{db: db, log: log}, nil
}

func (r *sqliteRepo) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u          model.User
		id         int64
		lastActive int64
	)
	err := row.Scan(&id, &u.Name, &u.PasswordHash, &u.IsAdmin, &u.Online, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.ID = strconv.FormatInt(id, 10)
	if lastActive != 0 {
		u.LastActive = time.UnixMicro(lastActive)
	}
	return &u, nil
}

func (r *sqliteRepo) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE name = ?", name)
	return scanUser(row)
}

func (r *sqliteRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (r *sqliteRepo) AddUser(ctx context.Context, user *model.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM users WHERE name = ?", user.Name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrDuplicate
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO users (name, password_hash, is_admin, online, last_active) VALUES (?, ?, ?, ?, ?)",
		user.Name, user.PasswordHash, user.IsAdmin, user.Online, unixMicro(user.LastActive))
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	user.ID = strconv.FormatInt(id, 10)

	return tx.Commit()
}

func (r *sqliteRepo) GetUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (r *sqliteRepo) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET online = ?, last_active = ? WHERE id = ?", online, unixMicro(at), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) Acquire(ctx context.Context) (Handle, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqliteHandle{conn: conn}, nil
}

type sqliteHandle struct {
	conn *sql.Conn
}

func (h *sqliteHandle) IsOnline(ctx context.Context, id string) (bool, error) {
	var online bool
	err := h.conn.QueryRowContext(ctx, "SELECT online FROM users WHERE id = ?", id).Scan(&online)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return online, err
}

func (h *sqliteHandle) Close() error {
	return h.conn.Close()
}

func unixMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}
