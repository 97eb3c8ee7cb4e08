package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nedfreetoplay/hydrus/pkg/account"
	hdb "github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/master"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

type fixture struct {
	conn      *sql.DB
	accounts  *account.Store
	serviceID int64
	accessKey []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	conn, err := sql.Open("sqlite", filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	_, err = conn.Exec(`ATTACH DATABASE ? AS external_master`, filepath.Join(dir, "server.master.db"))
	require.NoError(t, err)
	_, err = conn.Exec(`ATTACH DATABASE ? AS external_mappings`, filepath.Join(dir, "server.mappings.db"))
	require.NoError(t, err)
	require.NoError(t, hdb.InitSchema(ctx, conn))

	res, err := conn.Exec(
		`INSERT INTO services (service_key, service_type, name, port, options) VALUES (?, ?, ?, ?, ?)`,
		make([]byte, 32), string(types.ServiceFileRepo), "repo", 45871, "{}")
	require.NoError(t, err)
	serviceID, err := res.LastInsertId()
	require.NoError(t, err)

	accounts := account.NewStore(repo.NewStore(master.NewStore()), nil)
	_, accessKey, err := accounts.CreateAdminAccount(ctx, conn, serviceID, time.Now())
	require.NoError(t, err)

	return &fixture{conn: conn, accounts: accounts, serviceID: serviceID, accessKey: accessKey}
}

func TestBeginThenAccountFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	m := NewManager(f.accounts, 24*time.Hour)
	key, expires, err := m.Begin(ctx, f.conn, f.serviceID, f.accessKey, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(24*time.Hour), expires, time.Second)
	assert.Equal(t, 1, m.SessionCount())

	acct, err := m.AccountFor(f.serviceID, key, now)
	require.NoError(t, err)
	assert.Equal(t, "administrator", acct.Type.Title)

	// Same account until expiry; gone after.
	_, err = m.AccountFor(f.serviceID, key, now.Add(25*time.Hour))
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))
}

func TestAccountFor_UnknownKey(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.accounts, time.Hour)

	_, err := m.AccountFor(f.serviceID, types.Key{1, 2, 3}, time.Now())
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))
}

func TestBegin_UnknownAccessKey(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.accounts, time.Hour)

	_, _, err := m.Begin(context.Background(), f.conn, f.serviceID, make([]byte, 32), time.Now())
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))
}

func TestRefreshAccounts_PicksUpMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	m := NewManager(f.accounts, time.Hour)
	key, _, err := m.Begin(ctx, f.conn, f.serviceID, f.accessKey, now)
	require.NoError(t, err)

	acct, err := m.AccountFor(f.serviceID, key, now)
	require.NoError(t, err)
	assert.Empty(t, acct.Message)

	require.NoError(t, f.accounts.SetMessage(ctx, f.conn, f.serviceID, acct.Key, "hello"))

	// The cache still holds the old state until refresh.
	stale, err := m.AccountFor(f.serviceID, key, now)
	require.NoError(t, err)
	assert.Empty(t, stale.Message)

	require.NoError(t, m.RefreshAccounts(ctx, f.conn, f.serviceID, []types.Key{acct.Key}))
	fresh, err := m.AccountFor(f.serviceID, key, now)
	require.NoError(t, err)
	assert.Equal(t, "hello", fresh.Message)
}

func TestRehydrate_DropsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	m := NewManager(f.accounts, time.Hour)
	key, _, err := m.Begin(ctx, f.conn, f.serviceID, f.accessKey, now)
	require.NoError(t, err)

	// A cold start rebuilds the cache from the table.
	m2 := NewManager(f.accounts, time.Hour)
	require.NoError(t, m2.Rehydrate(ctx, f.conn, now))
	assert.Equal(t, 1, m2.SessionCount())

	_, err = m2.AccountFor(f.serviceID, key, now)
	require.NoError(t, err)

	// Past expiry, rehydration discards the row.
	m3 := NewManager(f.accounts, time.Hour)
	require.NoError(t, m3.Rehydrate(ctx, f.conn, now.Add(2*time.Hour)))
	assert.Zero(t, m3.SessionCount())
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	m := NewManager(f.accounts, time.Hour)
	_, _, err := m.Begin(ctx, f.conn, f.serviceID, f.accessKey, now)
	require.NoError(t, err)

	require.NoError(t, m.Prune(ctx, f.conn, now.Add(2*time.Hour)))
	assert.Zero(t, m.SessionCount())

	var n int
	require.NoError(t, f.conn.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	assert.Zero(t, n)
}
