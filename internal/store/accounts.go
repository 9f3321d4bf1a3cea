package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Account is a login identity. ID doubles as the role id bound to the session
// on successful authentication.
type Account struct {
	ID           int64
	Login        string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  time.Time
	LastIP       string
}

// AccountRepository authenticates logins. Implementations must return
// ErrBadCredentials for both unknown logins and wrong passwords so callers
// cannot probe which logins exist.
type AccountRepository interface {
	Authenticate(ctx context.Context, login, password, ip string) (*Account, error)
}

// PostgresAccounts реализует AccountRepository поверх PostgreSQL.
type PostgresAccounts struct {
	pool       *pgxpool.Pool
	autoCreate bool
}

// NewPostgresAccounts создаёт repository. При autoCreate неизвестный логин
// регистрируется на первом входе.
func NewPostgresAccounts(pool *pgxpool.Pool, autoCreate bool) *PostgresAccounts {
	return &PostgresAccounts{pool: pool, autoCreate: autoCreate}
}

// Authenticate verifies the password against the stored bcrypt hash and stamps
// last_login_at/last_ip on success.
func (r *PostgresAccounts) Authenticate(ctx context.Context, login, password, ip string) (*Account, error) {
	login = strings.ToLower(login)

	acc, err := r.get(ctx, login)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		if !r.autoCreate {
			return nil, ErrBadCredentials
		}
		acc, err = r.create(ctx, login, password)
		if err != nil {
			return nil, err
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}

	now := time.Now()
	if _, err := r.pool.Exec(ctx,
		`UPDATE accounts SET last_login_at = $1, last_ip = $2 WHERE id = $3`,
		now, ip, acc.ID,
	); err != nil {
		return nil, fmt.Errorf("stamping login for %q: %w", login, err)
	}
	acc.LastLoginAt = now
	acc.LastIP = ip
	return acc, nil
}

func (r *PostgresAccounts) get(ctx context.Context, login string) (*Account, error) {
	var acc Account
	err := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM accounts WHERE login = $1`,
		login,
	).Scan(&acc.ID, &acc.Login, &acc.PasswordHash, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account %q: %w", login, err)
	}
	return &acc, nil
}

// create атомарно регистрирует аккаунт. INSERT ... ON CONFLICT DO NOTHING
// защищает от гонки двух одновременных первых входов.
func (r *PostgresAccounts) create(ctx context.Context, login, password string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password for %q: %w", login, err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO accounts (login, password_hash) VALUES ($1, $2)
		 ON CONFLICT (login) DO NOTHING`,
		login, string(hash),
	)
	if err != nil {
		return nil, fmt.Errorf("creating account %q: %w", login, err)
	}

	acc, err := r.get(ctx, login)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %q vanished after create", login)
	}
	return acc, nil
}

// MemoryAccounts is the dev-mode AccountRepository. Hashing uses bcrypt at
// MinCost; dev logins are not secrets.
type MemoryAccounts struct {
	mu         sync.Mutex
	byLogin    map[string]*Account
	nextID     int64
	autoCreate bool
}

// NewMemoryAccounts создаёт пустой in-memory repository.
func NewMemoryAccounts(autoCreate bool) *MemoryAccounts {
	return &MemoryAccounts{byLogin: make(map[string]*Account), nextID: 1, autoCreate: autoCreate}
}

// Seed registers an account without authenticating, for tests and dev
// fixtures. Returns the assigned account id.
func (m *MemoryAccounts) Seed(login, password string) int64 {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)

	m.mu.Lock()
	defer m.mu.Unlock()
	login = strings.ToLower(login)
	if acc, ok := m.byLogin[login]; ok {
		acc.PasswordHash = string(hash)
		return acc.ID
	}
	acc := &Account{
		ID:           m.nextID,
		Login:        login,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	m.nextID++
	m.byLogin[login] = acc
	return acc.ID
}

// Authenticate verifies or auto-creates the login.
func (m *MemoryAccounts) Authenticate(ctx context.Context, login, password, ip string) (*Account, error) {
	login = strings.ToLower(login)

	m.mu.Lock()
	acc, ok := m.byLogin[login]
	if !ok {
		if !m.autoCreate {
			m.mu.Unlock()
			return nil, ErrBadCredentials
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("hashing password for %q: %w", login, err)
		}
		acc = &Account{
			ID:           m.nextID,
			Login:        login,
			PasswordHash: string(hash),
			CreatedAt:    time.Now(),
		}
		m.nextID++
		m.byLogin[login] = acc
	}
	m.mu.Unlock()

	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}

	m.mu.Lock()
	acc.LastLoginAt = time.Now()
	acc.LastIP = ip
	cp := *acc
	m.mu.Unlock()
	return &cp, nil
}
