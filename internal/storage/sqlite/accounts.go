package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// ErrAccountNotFound is returned when an account id is unknown.
var ErrAccountNotFound = errors.New("account not found")

// AccountRecord is a registered platform account. Cookie is the raw
// credential and must be masked before leaving the process.
type AccountRecord struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Cookie    string `db:"cookie"`
	IsDefault bool   `db:"is_default"`
	CreatedAt string `db:"created_at"`
}

// SelfRecord is the stored profile snapshot of an account.
type SelfRecord struct {
	AccountID string `db:"account_id" json:"account_id"`
	UID       string `db:"uid" json:"uid"`
	Name      string `db:"name" json:"name"`
	AvatarURL string `db:"avatar_url" json:"avatar_url"`
	Location  string `db:"location" json:"location"`
	UserSID   string `db:"user_sid" json:"user_sid"`
	Grade     string `db:"grade" json:"grade"`
	RawJSON   string `db:"raw_json" json:"-"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// AccountStore persists accounts, group bindings and self snapshots.
type AccountStore struct {
	db  *sqlx.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewAccountStore wraps an opened database. A nil now uses time.Now.
func NewAccountStore(db *sqlx.DB, now func() time.Time) *AccountStore {
	if now == nil {
		now = time.Now
	}
	return &AccountStore{db: db, now: now}
}

// OpenAccountStore opens the account database at path.
func OpenAccountStore(ctx context.Context, path string, now func() time.Time) (*AccountStore, error) {
	db, err := Open(ctx, path, accountSchema)
	if err != nil {
		return nil, err
	}
	return NewAccountStore(db, now), nil
}

// Close releases the underlying database.
func (s *AccountStore) Close() error {
	return s.db.Close()
}

// AddAccount inserts an account. Marking it default clears the flag on
// every other account.
func (s *AccountStore) AddAccount(ctx context.Context, acc AccountRecord) (AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.CreatedAt == "" {
		acc.CreatedAt = zsxq.FormatTime(s.now())
	}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if acc.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_default = FALSE`); err != nil {
				return fmt.Errorf("clear default: %w", err)
			}
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO accounts (id, name, cookie, is_default, created_at)
			 VALUES (:id, :name, :cookie, :is_default, :created_at)`, acc,
		); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		return nil
	})
	if err != nil {
		return AccountRecord{}, err
	}
	return acc, nil
}

// Accounts lists accounts in creation order.
func (s *AccountStore) Accounts(ctx context.Context) ([]AccountRecord, error) {
	accounts := []AccountRecord{}
	if err := s.db.SelectContext(ctx, &accounts,
		`SELECT id, name, cookie, is_default, created_at FROM accounts ORDER BY created_at, id`,
	); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Account loads one account.
func (s *AccountStore) Account(ctx context.Context, id string) (AccountRecord, error) {
	var acc AccountRecord
	err := s.db.GetContext(ctx, &acc,
		`SELECT id, name, cookie, is_default, created_at FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRecord{}, ErrAccountNotFound
	}
	if err != nil {
		return AccountRecord{}, fmt.Errorf("load account %s: %w", id, err)
	}
	return acc, nil
}

// RemoveAccount deletes an account together with its bindings and snapshot.
func (s *AccountStore) RemoveAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_bindings WHERE account_id = ?`, id); err != nil {
			return fmt.Errorf("delete bindings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM account_self WHERE account_id = ?`, id); err != nil {
			return fmt.Errorf("delete self snapshot: %w", err)
		}
		return nil
	})
}

// SetDefault makes id the only default account.
func (s *AccountStore) SetDefault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM accounts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if n == 0 {
			return ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_default = (id = ?)`, id); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		return nil
	})
}

// AssignGroup binds a community to an account, replacing any prior binding.
func (s *AccountStore) AssignGroup(ctx context.Context, groupID int64, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM accounts WHERE id = ?`, accountID); err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if n == 0 {
			return ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_bindings (group_id, account_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (group_id) DO UPDATE SET account_id = excluded.account_id, created_at = excluded.created_at`,
			groupID, accountID, zsxq.FormatTime(s.now()),
		); err != nil {
			return fmt.Errorf("bind group %d: %w", groupID, err)
		}
		return nil
	})
}

// BoundAccount returns the account explicitly bound to the group, if any.
func (s *AccountStore) BoundAccount(ctx context.Context, groupID int64) (AccountRecord, bool, error) {
	var acc AccountRecord
	err := s.db.GetContext(ctx, &acc, `SELECT a.id, a.name, a.cookie, a.is_default, a.created_at
		FROM group_bindings b JOIN accounts a ON a.id = b.account_id
		WHERE b.group_id = ?`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRecord{}, false, nil
	}
	if err != nil {
		return AccountRecord{}, false, fmt.Errorf("load binding for group %d: %w", groupID, err)
	}
	return acc, true, nil
}

// DefaultAccount returns the account flagged default, if any.
func (s *AccountStore) DefaultAccount(ctx context.Context) (AccountRecord, bool, error) {
	var acc AccountRecord
	err := s.db.GetContext(ctx, &acc,
		`SELECT id, name, cookie, is_default, created_at FROM accounts WHERE is_default LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRecord{}, false, nil
	}
	if err != nil {
		return AccountRecord{}, false, fmt.Errorf("load default account: %w", err)
	}
	return acc, true, nil
}

// SaveSelf stores the latest profile snapshot of an account.
func (s *AccountStore) SaveSelf(ctx context.Context, rec SelfRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = zsxq.FormatTime(s.now())
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO account_self
			(account_id, uid, name, avatar_url, location, user_sid, grade, raw_json, updated_at)
		VALUES (:account_id, :uid, :name, :avatar_url, :location, :user_sid, :grade, :raw_json, :updated_at)
		ON CONFLICT (account_id) DO UPDATE SET
			uid = excluded.uid,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			location = excluded.location,
			user_sid = excluded.user_sid,
			grade = excluded.grade,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at`, rec,
	); err != nil {
		return fmt.Errorf("save self for %s: %w", rec.AccountID, err)
	}
	return nil
}

// Self loads the stored profile snapshot of an account.
func (s *AccountStore) Self(ctx context.Context, accountID string) (SelfRecord, bool, error) {
	var rec SelfRecord
	err := s.db.GetContext(ctx, &rec, `SELECT account_id, COALESCE(uid, '') AS uid, COALESCE(name, '') AS name,
			COALESCE(avatar_url, '') AS avatar_url, COALESCE(location, '') AS location,
			COALESCE(user_sid, '') AS user_sid, COALESCE(grade, '') AS grade,
			COALESCE(raw_json, '') AS raw_json, updated_at
		FROM account_self WHERE account_id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return SelfRecord{}, false, nil
	}
	if err != nil {
		return SelfRecord{}, false, fmt.Errorf("load self for %s: %w", accountID, err)
	}
	return rec, true, nil
}
