package account

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nedfreetoplay/hydrus/pkg/bandwidth"
	hdb "github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/master"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

type fixture struct {
	conn      *sql.DB
	store     *Store
	serviceID int64
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
		make([]byte, 32), string(types.ServiceFileRepo), "test repo", 45871, "{}")
	require.NoError(t, err)
	serviceID, err := res.LastInsertId()
	require.NoError(t, err)

	repoStore := repo.NewStore(master.NewStore())
	require.NoError(t, repoStore.CreateServiceTables(ctx, conn, serviceID))

	return &fixture{conn: conn, store: NewStore(repoStore, nil), serviceID: serviceID}
}

func (f *fixture) memberType(t *testing.T) *AccountType {
	t.Helper()
	at, err := f.store.CreateAccountType(context.Background(), f.conn, f.serviceID, "member",
		map[Target]types.PermissionAction{
			TargetMappings: types.ActionPetition,
			TargetFiles:    types.ActionCreate,
		},
		&bandwidth.Rules{}, 0, 0, false)
	require.NoError(t, err)
	return at
}

func TestRegistrationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	at := f.memberType(t)

	regKeys, err := f.store.IssueRegistrationKeys(ctx, f.conn, f.serviceID, at.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, regKeys, 1)

	// Each fetch rotates the access key, so a snooped registration key
	// cannot race the rightful owner.
	a1, err := f.store.FetchAccessKey(ctx, f.conn, f.serviceID, regKeys[0])
	require.NoError(t, err)
	a2, err := f.store.FetchAccessKey(ctx, f.conn, f.serviceID, regKeys[0])
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)

	key, err := f.store.ResolveAccessKey(ctx, f.conn, f.serviceID, a2, now)
	require.NoError(t, err)
	assert.False(t, key.IsZero())

	// The stale access key is dead.
	_, err = f.store.ResolveAccessKey(ctx, f.conn, f.serviceID, a1, now)
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))

	// The winning key now resolves via the accounts table.
	again, err := f.store.ResolveAccessKey(ctx, f.conn, f.serviceID, a2, now)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	// The registration row is gone.
	_, err = f.store.FetchAccessKey(ctx, f.conn, f.serviceID, regKeys[0])
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))

	acct, err := f.store.AccountByKey(ctx, f.conn, f.serviceID, key)
	require.NoError(t, err)
	assert.Equal(t, "member", acct.Type.Title)
	assert.Equal(t, sha256.Size, len(acct.Key)) // 32-byte account key
}

func TestIssueRegistrationKeys_RefusesNullType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nullAcct, err := f.store.CreateNullAccount(ctx, f.conn, f.serviceID, time.Now())
	require.NoError(t, err)
	require.True(t, nullAcct.Type.IsNullType)

	_, err = f.store.IssueRegistrationKeys(ctx, f.conn, f.serviceID, nullAcct.Type.ID, 1, nil)
	require.Error(t, err)
	assert.Equal(t, herr.BadRequest, herr.KindOf(err))
}

func TestNullAccount_CannotBeModified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	nullAcct, err := f.store.CreateNullAccount(ctx, f.conn, f.serviceID, now)
	require.NoError(t, err)

	id, err := f.store.NullAccountID(ctx, f.conn, f.serviceID)
	require.NoError(t, err)
	assert.Equal(t, nullAcct.ID, id)

	err = f.store.Ban(ctx, f.conn, f.serviceID, nullAcct.Key, "nope", now, nil)
	require.Error(t, err)
	assert.Equal(t, herr.BadRequest, herr.KindOf(err))

	err = f.store.SetMessage(ctx, f.conn, f.serviceID, nullAcct.Key, "hi")
	require.Error(t, err)
	assert.Equal(t, herr.BadRequest, herr.KindOf(err))

	member := f.memberType(t)
	err = f.store.SetAccountType(ctx, f.conn, f.serviceID, nullAcct.Key, member.ID)
	require.Error(t, err)
	assert.Equal(t, herr.BadRequest, herr.KindOf(err))
}

func TestBanUnban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	acct, _, err := f.store.CreateAdminAccount(ctx, f.conn, f.serviceID, now)
	require.NoError(t, err)

	require.NoError(t, f.store.Ban(ctx, f.conn, f.serviceID, acct.Key, "spam", now, nil))
	banned, err := f.store.AccountByKey(ctx, f.conn, f.serviceID, acct.Key)
	require.NoError(t, err)
	assert.True(t, banned.IsBanned(now))

	// Banned admins fail every permission check.
	err = banned.MayPerform(TargetFiles, types.ActionModerate, now)
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))

	require.NoError(t, f.store.Unban(ctx, f.conn, f.serviceID, acct.Key))
	unbanned, err := f.store.AccountByKey(ctx, f.conn, f.serviceID, acct.Key)
	require.NoError(t, err)
	assert.False(t, unbanned.IsBanned(now))
}

func TestMayPerform(t *testing.T) {
	now := time.Now()

	member := &Account{Type: &AccountType{Permissions: map[Target]types.PermissionAction{
		TargetMappings: types.ActionPetition,
		TargetFiles:    types.ActionCreate,
	}}}
	admin := &Account{Type: &AccountType{Permissions: map[Target]types.PermissionAction{
		TargetServices: types.ActionModerate,
	}}}

	tests := []struct {
		name    string
		acct    *Account
		target  Target
		action  types.PermissionAction
		wantErr herr.Kind
	}{
		{name: "petition allowed", acct: member, target: TargetMappings, action: types.ActionPetition},
		{name: "create implies petition", acct: member, target: TargetFiles, action: types.ActionPetition},
		{name: "petition does not imply create", acct: member, target: TargetMappings, action: types.ActionCreate, wantErr: herr.Forbidden},
		{name: "no grant at all", acct: member, target: TargetTagParents, action: types.ActionPetition, wantErr: herr.Forbidden},
		{name: "admin passes everything", acct: admin, target: TargetTagSiblings, action: types.ActionModerate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.acct.MayPerform(tt.target, tt.action, now)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, herr.KindOf(err))
		})
	}
}

func TestExpiredAccount(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	acct := &Account{
		ExpiresAt: &past,
		Type:      &AccountType{Permissions: map[Target]types.PermissionAction{TargetServices: types.ActionModerate}},
	}
	err := acct.MayPerform(TargetFiles, types.ActionPetition, now)
	require.Error(t, err)
	assert.Equal(t, herr.Unauthorized, herr.KindOf(err))
}

func TestCheckBandwidth(t *testing.T) {
	now := time.Now()
	acct := &Account{
		Bandwidth: bandwidth.NewTracker(),
		Type: &AccountType{BandwidthRules: &bandwidth.Rules{Rules: []bandwidth.Rule{
			{Kind: bandwidth.KindData, Window: 60, Limit: 10240},
		}}},
	}

	require.NoError(t, acct.CheckBandwidth("test", now))

	acct.Bandwidth.AddBytes(now, 20480)
	err := acct.CheckBandwidth("test", now)
	require.Error(t, err)
	assert.Equal(t, herr.BandwidthExceeded, herr.KindOf(err))

	// The window rolls off.
	require.NoError(t, acct.CheckBandwidth("test", now.Add(61*time.Second)))
}

func TestDeleteAllContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	acct, _, err := f.store.CreateAdminAccount(ctx, f.conn, f.serviceID, now)
	require.NoError(t, err)

	// Author some content.
	h := sha256.Sum256([]byte("owned"))
	fi := repo.FileInfo{Hash: types.Hash{Algorithm: types.HashAlgoSHA256, Digest: h[:]}, Size: 10, Mime: "image/png"}
	require.NoError(t, f.store.Repo.AddFile(ctx, f.conn, f.serviceID, acct.ID, fi, repo.AddFileOpts{}, now.Unix()))

	tagID, err := f.store.Repo.Master.TagID(ctx, f.conn, "oak")
	require.NoError(t, err)
	hid, err := f.store.Repo.Master.HashID(ctx, f.conn, fi.Hash)
	require.NoError(t, err)
	require.NoError(t, f.store.Repo.AddMappings(ctx, f.conn, f.serviceID, acct.ID, tagID, []int64{hid}, false, now.Unix()))

	done, err := f.store.DeleteAllContent(ctx, f.conn, f.serviceID, acct.Key, now.Add(20*time.Second), now.Unix())
	require.NoError(t, err)
	assert.True(t, done)

	ids, err := f.store.Repo.CurrentFileIDsByAccount(ctx, f.conn, f.serviceID, acct.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err := f.store.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumFiles)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoCreateVelocity(t *testing.T) {
	now := time.Now()
	at := &AccountType{
		AutoCreateCount:   2,
		AutoCreatePeriod:  time.Hour,
		AutoCreateLimiter: bandwidth.NewTracker(),
	}

	assert.True(t, at.CanAutoCreate(now))
	at.AutoCreateLimiter.AddRequest(now)
	assert.True(t, at.CanAutoCreate(now))
	at.AutoCreateLimiter.AddRequest(now)
	assert.False(t, at.CanAutoCreate(now))

	// Zero velocity means never.
	none := &AccountType{AutoCreateLimiter: bandwidth.NewTracker()}
	assert.False(t, none.CanAutoCreate(now))
}
