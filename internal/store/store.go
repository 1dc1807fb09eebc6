package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

//go:embed schema.sql
var schemaSQL string

// ErrAccountTaken is returned when an account id is registered by another owner
var ErrAccountTaken = errors.New("account registered by another owner")

// Store is the sqlite-backed email repository
type Store struct {
	db     *sqlx.DB
	outbox bool
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithOutbox writes an email.synced outbox row alongside every upsert
func WithOutbox() Option {
	return func(s *Store) { s.outbox = true }
}

// WithClock overrides the store clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database
func Open(path string, opts ...Option) (*Store, error) {
	memory := path == "" || path == ":memory:"

	var dsn string
	if memory {
		dsn = "file::memory:?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAccount registers an account or updates its provider and address.
// An id already owned by someone else is rejected
func (s *Store) UpsertAccount(ctx context.Context, a mail.Account) (*mail.Account, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, provider, email, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			email = excluded.email
		WHERE accounts.owner_id = excluded.owner_id
	`, a.ID, a.OwnerID, string(a.Provider), a.Email, a.CreatedAt.UnixNano())
	if err != nil {
		return nil, wrapDBError("upsert account", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrAccountTaken
	}

	return s.GetAccount(ctx, a.ID)
}

type accountRow struct {
	ID        string `db:"id"`
	OwnerID   string `db:"owner_id"`
	Provider  string `db:"provider"`
	Email     string `db:"email"`
	CreatedAt int64  `db:"created_at"`
}

func (r accountRow) account() mail.Account {
	return mail.Account{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Provider:  mail.ProviderName(r.Provider),
		Email:     r.Email,
		CreatedAt: fromNanos(r.CreatedAt),
	}
}

// GetAccount returns the account or nil if it is not registered
func (s *Store) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT id, owner_id, provider, email, created_at FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get account", err)
	}
	a := row.account()
	return &a, nil
}

// ListAccounts lists the accounts of one owner
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]mail.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, owner_id, provider, email, created_at
		FROM accounts WHERE owner_id = ? ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, wrapDBError("list accounts", err)
	}

	accounts := make([]mail.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.account())
	}
	return accounts, nil
}

// AllAccounts lists every registered account regardless of owner
func (s *Store) AllAccounts(ctx context.Context) ([]mail.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, owner_id, provider, email, created_at
		FROM accounts ORDER BY created_at, id
	`)
	if err != nil {
		return nil, wrapDBError("all accounts", err)
	}

	accounts := make([]mail.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.account())
	}
	return accounts, nil
}

// DeleteAccount removes an account and its stored emails
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return beginError("begin delete account", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE account_id = ?`, id); err != nil {
		return wrapDBError("delete emails", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return wrapDBError("delete account", err)
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

// wrapDBError marks lock contention as transient
func wrapDBError(op string, err error) error {
	if code, ok := sqliteCode(err); ok {
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return mail.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// beginError keeps a busy or locked database retryable; any other failure to
// open a transaction is fatal
func beginError(op string, err error) error {
	if wrapped := wrapDBError(op, err); mail.KindOf(wrapped) == mail.KindTransient {
		return wrapped
	}
	return mail.Fatal(op, err)
}
