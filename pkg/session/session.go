// Package session implements the session-key cache: short-lived bindings
// from an opaque session key to an account, persisted to the sessions table
// so a restart rehydrates live sessions.
package session

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/account"
	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Session is one live binding.
type Session struct {
	Key       types.Key
	ServiceID int64
	Account   *account.Account
	ExpiresAt time.Time
}

// Manager caches sessions in memory over the account store. Mutations run
// on the serializer; reads elsewhere see snapshots under the lock.
type Manager struct {
	accounts *account.Store
	ttl      time.Duration

	mu       sync.RWMutex
	sessions map[types.Key]*Session
}

// NewManager returns a session manager with the given TTL.
func NewManager(accounts *account.Store, ttl time.Duration) *Manager {
	return &Manager{
		accounts: accounts,
		ttl:      ttl,
		sessions: make(map[types.Key]*Session),
	}
}

// SessionCount implements metrics.SessionSource.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Begin authenticates the access key and opens a session, persisting it for
// rehydration.
func (m *Manager) Begin(ctx context.Context, q db.Querier, serviceID int64, accessKey []byte, now time.Time) (types.Key, time.Time, error) {
	accountKey, err := m.accounts.ResolveAccessKey(ctx, q, serviceID, accessKey, now)
	if err != nil {
		return types.Key{}, time.Time{}, err
	}
	acct, err := m.accounts.AccountByKey(ctx, q, serviceID, accountKey)
	if err != nil {
		return types.Key{}, time.Time{}, err
	}
	if acct.IsBanned(now) {
		return types.Key{}, time.Time{}, herr.Newf(herr.Unauthorized, "account is banned: %s", acct.Ban.Reason)
	}

	var key types.Key
	if _, err := rand.Read(key[:]); err != nil {
		return types.Key{}, time.Time{}, herr.Wrap(herr.Internal, err)
	}
	expires := now.Add(m.ttl)
	if acct.ExpiresAt != nil && acct.ExpiresAt.Before(expires) {
		expires = *acct.ExpiresAt
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO sessions (session_key, service_id, account_id, expires_at) VALUES (?, ?, ?, ?)`,
		key[:], serviceID, acct.ID, expires.Unix()); err != nil {
		return types.Key{}, time.Time{}, herr.Wrap(herr.Internal, err)
	}

	m.mu.Lock()
	m.sessions[key] = &Session{Key: key, ServiceID: serviceID, Account: acct, ExpiresAt: expires}
	m.mu.Unlock()

	return key, expires, nil
}

// AccountFor resolves a session key to its account, failing with
// unauthorized on unknown or lapsed sessions.
func (m *Manager) AccountFor(serviceID int64, sessionKey types.Key, now time.Time) (*account.Account, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionKey]
	m.mu.RUnlock()

	if !ok || sess.ServiceID != serviceID {
		return nil, herr.New(herr.Unauthorized, "unknown session key")
	}
	if now.After(sess.ExpiresAt) {
		m.mu.Lock()
		delete(m.sessions, sessionKey)
		m.mu.Unlock()
		return nil, herr.New(herr.Unauthorized, "session has expired")
	}
	return sess.Account, nil
}

// RefreshAccounts re-reads the named accounts from the store, updating every
// session bound to them. Called after any account mutation.
func (m *Manager) RefreshAccounts(ctx context.Context, q db.Querier, serviceID int64, accountKeys []types.Key) error {
	fresh := make(map[types.Key]*account.Account, len(accountKeys))
	for _, key := range accountKeys {
		acct, err := m.accounts.AccountByKey(ctx, q, serviceID, key)
		if err != nil {
			return err
		}
		fresh[key] = acct
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.ServiceID != serviceID {
			continue
		}
		if acct, ok := fresh[sess.Account.Key]; ok {
			sess.Account = acct
		}
	}
	return nil
}

// RefreshAll reloads every session's account for the service, for use after
// account-type changes that touch an unknown set of accounts.
func (m *Manager) RefreshAll(ctx context.Context, q db.Querier, serviceID int64) error {
	m.mu.RLock()
	keys := make([]types.Key, 0)
	seen := make(map[types.Key]bool)
	for _, sess := range m.sessions {
		if sess.ServiceID == serviceID && !seen[sess.Account.Key] {
			seen[sess.Account.Key] = true
			keys = append(keys, sess.Account.Key)
		}
	}
	m.mu.RUnlock()

	return m.RefreshAccounts(ctx, q, serviceID, keys)
}

// Rehydrate loads persisted sessions, dropping rows past expiry. Called
// once at boot.
func (m *Manager) Rehydrate(ctx context.Context, q db.Querier, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix()); err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	rows, err := q.QueryContext(ctx, `SELECT session_key, service_id, account_id, expires_at FROM sessions`)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	type rawSession struct {
		key       types.Key
		serviceID int64
		accountID int64
		expires   int64
	}
	var raws []rawSession
	for rows.Next() {
		var (
			r    rawSession
			keyB []byte
		)
		if err := rows.Scan(&keyB, &r.serviceID, &r.accountID, &r.expires); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		copy(r.key[:], keyB)
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	loaded := make(map[types.Key]*Session, len(raws))
	for _, r := range raws {
		acct, err := m.accounts.AccountByID(ctx, q, r.accountID)
		if err != nil {
			// A session over a vanished account is dropped, not fatal.
			logger := log.WithComponent("session")
			logger.Warn().Err(err).Int64("account_id", r.accountID).Msg("dropping stale session")
			continue
		}
		loaded[r.key] = &Session{Key: r.key, ServiceID: r.serviceID, Account: acct, ExpiresAt: time.Unix(r.expires, 0)}
	}

	m.mu.Lock()
	m.sessions = loaded
	m.mu.Unlock()
	return nil
}

// Prune drops expired sessions from memory and the table; wired as a
// repeating maintenance job.
func (m *Manager) Prune(ctx context.Context, q db.Querier, now time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix()); err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	m.mu.Lock()
	for key, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}
