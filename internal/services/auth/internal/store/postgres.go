package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// dbtx defines the interface for database and transactions
type dbtx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresConfig holds the configuration for connecting to a Postgres database
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
	SSLMode  string
}

// PostgresStore implements the Store interface using a Postgres database
type PostgresStore struct {
	db dbtx
}

const pgUniqueViolation = "23505"

const pgUserColumns = `id, email, name, external_id, picture, role, credits, subscription, active,
	membership_level, membership_name, membership_synced_at, created_at, updated_at`

// NewPostgresDB creates a new Postgres database connection
func NewPostgresDB(cfg PostgresConfig) (*sql.DB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	db, err := sql.Open("postgres", fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.DB,
		sslMode))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *PostgresStore) GetUserBySubject(ctx context.Context, subject string) (User, error) {
	if subject == "" {
		return User{}, ErrNotFound
	}
	return s.getUser(ctx, "external_id = $1", subject)
}

// GetUserByEmail matches email case-insensitively, like the users_email_lower_key index.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, "lower(email) = lower($1)", email)
}

func (s *PostgresStore) getUser(ctx context.Context, where, value string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE %s", pgUserColumns, where), value)

	u, err := scanPgUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}

	return u, nil
}

// CreateUser inserts a new user and returns the stored record
func (s *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	if err := validateUser(u); err != nil {
		return User{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, name, external_id, picture, role, credits, subscription, active,
		                    membership_level, membership_name, membership_synced_at, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING `+pgUserColumns,
		u.ID,
		u.Email,
		u.Name,
		u.Subject,
		u.Picture,
		u.Role,
		u.Credits,
		u.Subscription,
		u.Active,
		u.MembershipLevel,
		u.MembershipName,
		u.MembershipSyncedAt,
		u.CreatedAt,
		u.UpdatedAt)

	created, err := scanPgUser(row)
	if err != nil {
		if isPgUniqueViolation(err) {
			return User{}, ErrExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return created, nil
}

// UpdateUser applies the non-nil fields of r and returns the stored record
func (s *PostgresStore) UpdateUser(ctx context.Context, r UpdateUserRequest) (User, error) {
	if r.Credits != nil && *r.Credits < 0 {
		return User{}, errors.New("credits must not be negative")
	}

	var (
		level    *int
		name     *string
		syncedAt any
	)
	if r.Membership != nil {
		level = &r.Membership.Level
		name = &r.Membership.Name
		syncedAt = r.Membership.SyncedAt
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE users SET
		    email = COALESCE($2, email),
		    name = COALESCE($3, name),
		    external_id = COALESCE(NULLIF($4, ''), external_id),
		    picture = CASE WHEN $5::text IS NULL THEN picture ELSE NULLIF($5, '') END,
		    role = COALESCE($6, role),
		    credits = COALESCE($7, credits),
		    subscription = COALESCE($8, subscription),
		    active = COALESCE($9, active),
		    membership_level = COALESCE($10, membership_level),
		    membership_name = COALESCE($11, membership_name),
		    membership_synced_at = COALESCE($12, membership_synced_at),
		    updated_at = NOW()
		 WHERE id = $1 AND ($4::text IS NULL OR $4 = '' OR external_id IS NULL OR external_id = $4)
		 RETURNING `+pgUserColumns,
		r.ID,
		r.Email,
		r.Name,
		r.Subject,
		r.Picture,
		r.Role,
		r.Credits,
		r.Subscription,
		r.Active,
		level,
		name,
		syncedAt)

	u, err := scanPgUser(row)
	if err == nil {
		return u, nil
	}

	if isPgUniqueViolation(err) {
		return User{}, ErrExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("update user: %w", err)
	}

	if _, err := s.GetUserByID(ctx, r.ID); err != nil {
		return User{}, err
	}
	return User{}, ErrConflict
}

// ConsumeCredits decrements the balance in a single conditional statement
func (s *PostgresStore) ConsumeCredits(ctx context.Context, id string, amount int64) (int64, bool, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET credits = credits - $2, updated_at = NOW()
		 WHERE id = $1 AND credits >= $2
		 RETURNING credits`, id, amount).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("consume credits: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT credits FROM users WHERE id = $1", id).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("read balance: %w", err)
	}

	return balance, false, nil
}

// WithTx executes the given function within a database transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return errors.New("already in transaction")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	sx := &PostgresStore{db: tx}
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgUser(row rowScanner) (User, error) {
	var (
		u       User
		subject sql.NullString
		picture sql.NullString
	)

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&subject,
		&picture,
		&u.Role,
		&u.Credits,
		&u.Subscription,
		&u.Active,
		&u.MembershipLevel,
		&u.MembershipName,
		&u.MembershipSyncedAt,
		&u.CreatedAt,
		&u.UpdatedAt)
	if err != nil {
		return User{}, err
	}

	u.Subject = subject.String
	u.Picture = picture.String
	return u, nil
}

func isPgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
