package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteUserColumns = `id, email, name, external_id, picture, role, credits, subscription, active,
	membership_level, membership_name, membership_synced_at, created_at, updated_at`

// SQLiteStore implements the Store interface on an embedded SQLite database. Writes are
// serialized through a single connection.
type SQLiteStore struct {
	db   dbtx
	conn *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = filepath.Clean(path)
	if strings.TrimSpace(path) == "" || path == "." {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, conn: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close sqlite after schema init failure: %w", closeErr))
		}
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		external_id TEXT UNIQUE,
		picture TEXT,
		role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		subscription TEXT NOT NULL DEFAULT 'free',
		active INTEGER NOT NULL DEFAULT 1,
		membership_level INTEGER NOT NULL DEFAULT 0,
		membership_name TEXT NOT NULL DEFAULT 'free',
		membership_synced_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_key ON users (lower(email));
	`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.PingContext(ctx)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetUserBySubject(ctx context.Context, subject string) (User, error) {
	if subject == "" {
		return User{}, ErrNotFound
	}
	return s.getUser(ctx, "external_id = ?", subject)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, "lower(email) = lower(?)", email)
}

func (s *SQLiteStore) getUser(ctx context.Context, where, value string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE %s", sqliteUserColumns, where), value)

	u, err := scanSQLiteUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}

	return u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u User) (User, error) {
	if err := validateUser(u); err != nil {
		return User{}, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, external_id, picture, role, credits, subscription, active,
		                    membership_level, membership_name, membership_synced_at, created_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID,
		u.Email,
		u.Name,
		u.Subject,
		u.Picture,
		string(u.Role),
		u.Credits,
		u.Subscription,
		u.Active,
		u.MembershipLevel,
		u.MembershipName,
		unixNano(u.MembershipSyncedAt),
		unixNano(u.CreatedAt),
		unixNano(u.UpdatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return User{}, ErrExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return s.GetUserByID(ctx, u.ID)
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, r UpdateUserRequest) (User, error) {
	if r.Credits != nil && *r.Credits < 0 {
		return User{}, errors.New("credits must not be negative")
	}

	sets := []string{"updated_at = ?"}
	args := []any{unixNano(time.Now())}
	add := func(column string, val any) {
		sets = append(sets, column+" = ?")
		args = append(args, val)
	}

	if r.Email != nil {
		add("email", *r.Email)
	}
	if r.Name != nil {
		add("name", *r.Name)
	}
	if r.Subject != nil && *r.Subject != "" {
		add("external_id", *r.Subject)
	}
	if r.Picture != nil {
		sets = append(sets, "picture = NULLIF(?, '')")
		args = append(args, *r.Picture)
	}
	if r.Role != nil {
		add("role", string(*r.Role))
	}
	if r.Credits != nil {
		add("credits", *r.Credits)
	}
	if r.Subscription != nil {
		add("subscription", *r.Subscription)
	}
	if r.Active != nil {
		add("active", *r.Active)
	}
	if r.Membership != nil {
		add("membership_level", r.Membership.Level)
		add("membership_name", r.Membership.Name)
		add("membership_synced_at", unixNano(r.Membership.SyncedAt))
	}

	where := "id = ?"
	args = append(args, r.ID)
	if r.Subject != nil && *r.Subject != "" {
		where += " AND (external_id IS NULL OR external_id = ?)"
		args = append(args, *r.Subject)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE users SET %s WHERE %s", strings.Join(sets, ", "), where), args...)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return User{}, ErrExists
		}
		return User{}, fmt.Errorf("update user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return User{}, fmt.Errorf("rows affected: %w", err)
	}

	u, err := s.GetUserByID(ctx, r.ID)
	if err != nil {
		return User{}, err
	}
	if n == 0 {
		return User{}, ErrConflict
	}

	return u, nil
}

func (s *SQLiteStore) ConsumeCredits(ctx context.Context, id string, amount int64) (int64, bool, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET credits = credits - ?, updated_at = ?
		 WHERE id = ? AND credits >= ?
		 RETURNING credits`, amount, unixNano(time.Now()), id, amount).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("consume credits: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT credits FROM users WHERE id = ?", id).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("read balance: %w", err)
	}

	return balance, false, nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return errors.New("already in transaction")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	sx := &SQLiteStore{db: tx}
	if err = fn(sx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback: %v after: %w", rbErr, err)
		}

		return fmt.Errorf("transaction: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func scanSQLiteUser(row rowScanner) (User, error) {
	var (
		u                            User
		role                         string
		subject, picture             sql.NullString
		syncedAt, createdAt, updated int64
	)

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&subject,
		&picture,
		&role,
		&u.Credits,
		&u.Subscription,
		&u.Active,
		&u.MembershipLevel,
		&u.MembershipName,
		&syncedAt,
		&createdAt,
		&updated)
	if err != nil {
		return User{}, err
	}

	u.Role = Role(role)
	u.Subject = subject.String
	u.Picture = picture.String
	u.MembershipSyncedAt = fromUnixNano(syncedAt)
	u.CreatedAt = fromUnixNano(createdAt)
	u.UpdatedAt = fromUnixNano(updated)
	return u, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}

	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqlErr.Error(), "UNIQUE")
	}
	return false
}
