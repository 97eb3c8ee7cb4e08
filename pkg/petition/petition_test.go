package petition

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
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
	engine    *Engine
	serviceID int64
	accounts  []*account.Account
}

func newFixture(t *testing.T, numAccounts int) *fixture {
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
		make([]byte, 32), string(types.ServiceTagRepo), "tags", 45871, "{}")
	require.NoError(t, err)
	serviceID, err := res.LastInsertId()
	require.NoError(t, err)

	repoStore := repo.NewStore(master.NewStore())
	require.NoError(t, repoStore.CreateServiceTables(ctx, conn, serviceID))
	accounts := account.NewStore(repoStore, nil)

	f := &fixture{conn: conn, engine: NewEngine(repoStore, accounts, nil), serviceID: serviceID}
	for i := 0; i < numAccounts; i++ {
		acct, _, err := accounts.CreateAdminAccount(ctx, conn, serviceID, time.Now())
		require.NoError(t, err)
		f.accounts = append(f.accounts, acct)
	}
	return f
}

func (f *fixture) hashID(t *testing.T, s string) int64 {
	t.Helper()
	d := sha256.Sum256([]byte(s))
	id, err := f.engine.Repo.Master.HashID(context.Background(), f.conn, types.Hash{Algorithm: types.HashAlgoSHA256, Digest: d[:]})
	require.NoError(t, err)
	return id
}

func (f *fixture) tagID(t *testing.T, tag string) int64 {
	t.Helper()
	id, err := f.engine.Repo.Master.TagID(context.Background(), f.conn, tag)
	require.NoError(t, err)
	return id
}

func TestPetitionResolution_ApproveMappingPetition(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	uploader, petitioner := f.accounts[0], f.accounts[1]

	fooID := f.tagID(t, "foo")
	h1, h2 := f.hashID(t, "h1"), f.hashID(t, "h2")

	require.NoError(t, f.engine.Repo.AddMappings(ctx, f.conn, f.serviceID, uploader.ID, fooID, []int64{h1, h2}, false, 1000))
	require.NoError(t, f.engine.Repo.PetitionMappings(ctx, f.conn, f.serviceID, petitioner.ID, fooID, []int64{h1, h2}, "not foo", 1500))

	headers, err := f.engine.Summary(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPetitioned, 10, SummaryFilter{})
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, petitioner.Key, headers[0].AccountKey)
	assert.Equal(t, "not foo", headers[0].Reason)

	p, err := f.engine.Get(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPetitioned, petitioner.Key, "not foo")
	require.NoError(t, err)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, types.PetitionPetition, p.Actions[0].Action)
	require.Len(t, p.Actions[0].Rows, 1)
	assert.Equal(t, "foo", p.Actions[0].Rows[0].Tag)
	assert.Len(t, p.Actions[0].Rows[0].Hashes, 2)

	require.NoError(t, f.engine.Approve(ctx, f.conn, f.serviceID, p, "tags", 2000))

	num, err := f.engine.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumMappings)
	require.NoError(t, err)
	assert.Zero(t, num)
	numDel, err := f.engine.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumDeletedMappings)
	require.NoError(t, err)
	assert.Equal(t, int64(2), numDel)

	// The petitioner's score rose by the row's weight: the tag's current
	// mapping count before the delete, 2 for the one row of tag foo.
	acct, err := f.engine.Accounts.AccountByID(ctx, f.conn, petitioner.ID)
	require.NoError(t, err)
	assert.Positive(t, acct.PetitionScore)

	// The queue is empty afterwards.
	counts, err := f.engine.Counts(ctx, f.conn, f.serviceID)
	require.NoError(t, err)
	assert.Zero(t, counts[types.ContentMappings][types.StatusPetitioned])
}

func TestDenyPend_DropsRowsWithoutData(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	acct := f.accounts[0]

	fooID := f.tagID(t, "foo")
	h1 := f.hashID(t, "h1")
	require.NoError(t, f.engine.Repo.PendMappings(ctx, f.conn, f.serviceID, acct.ID, fooID, []int64{h1}, "add foo", 1000))

	p, err := f.engine.Get(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPending, acct.Key, "add foo")
	require.NoError(t, err)

	require.NoError(t, f.engine.Deny(ctx, f.conn, f.serviceID, p, "tags", 2000))

	num, err := f.engine.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumMappings)
	require.NoError(t, err)
	assert.Zero(t, num, "denied pends never become current")
	pending, err := f.engine.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumPendingMappings)
	require.NoError(t, err)
	assert.Zero(t, pending)

	refreshed, err := f.engine.Accounts.AccountByID(ctx, f.conn, acct.ID)
	require.NoError(t, err)
	assert.Negative(t, refreshed.PetitionScore)
}

func TestApprovePend_PromotesMappings(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	acct := f.accounts[0]

	fooID := f.tagID(t, "foo")
	h1 := f.hashID(t, "h1")
	require.NoError(t, f.engine.Repo.PendMappings(ctx, f.conn, f.serviceID, acct.ID, fooID, []int64{h1}, "add foo", 1000))

	p, err := f.engine.Get(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPending, acct.Key, "add foo")
	require.NoError(t, err)
	require.NoError(t, f.engine.Approve(ctx, f.conn, f.serviceID, p, "tags", 2000))

	num, err := f.engine.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumMappings)
	require.NoError(t, err)
	assert.Equal(t, int64(1), num)
	pending, err := f.engine.Repo.ServiceInfo(ctx, f.conn, f.serviceID, types.NumPendingMappings)
	require.NoError(t, err)
	assert.Zero(t, pending, "promotion clears the pending rows")
}

func TestSummary_SpreadsAcrossAccounts(t *testing.T) {
	const numAccounts = 5
	f := newFixture(t, numAccounts)
	ctx := context.Background()

	// Each account files several distinct petitions; account 0 files many
	// more than anyone else.
	for i, acct := range f.accounts {
		count := 2
		if i == 0 {
			count = 20
		}
		for j := 0; j < count; j++ {
			fooID := f.tagID(t, fmt.Sprintf("tag-%d-%d", i, j))
			h := f.hashID(t, fmt.Sprintf("h-%d-%d", i, j))
			require.NoError(t, f.engine.Repo.AddMappings(ctx, f.conn, f.serviceID, acct.ID, fooID, []int64{h}, false, 1000))
			require.NoError(t, f.engine.Repo.PetitionMappings(ctx, f.conn, f.serviceID, acct.ID, fooID, []int64{h},
				fmt.Sprintf("reason %d-%d", i, j), 1500))
		}
	}

	const limit = 10
	headers, err := f.engine.Summary(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPetitioned, limit, SummaryFilter{})
	require.NoError(t, err)
	assert.Len(t, headers, limit)

	seen := make(map[types.Key]int)
	for _, h := range headers {
		seen[h.AccountKey]++
	}
	assert.GreaterOrEqual(t, len(seen), numAccounts, "summary must spread across petitioners")
}

func TestPendingPairSupersededByPetitioned(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	acct := f.accounts[0]

	child, parent := f.tagID(t, "oak"), f.tagID(t, "tree")

	// A pending pair petition with the same (account, reason) as a
	// petitioned one is not independently actionable.
	require.NoError(t, f.engine.Repo.AddTagParent(ctx, f.conn, f.serviceID, acct.ID, child, parent, false, 500))
	require.NoError(t, f.engine.Repo.PetitionTagParent(ctx, f.conn, f.serviceID, acct.ID, child, parent, "rework", 1000))

	other := f.tagID(t, "plant")
	require.NoError(t, f.engine.Repo.PendTagParent(ctx, f.conn, f.serviceID, acct.ID, child, other, "rework"))

	pendingHeaders, err := f.engine.Summary(ctx, f.conn, f.serviceID, types.ContentTagParents, types.StatusPending, 10, SummaryFilter{})
	require.NoError(t, err)
	assert.Empty(t, pendingHeaders)

	petitionedHeaders, err := f.engine.Summary(ctx, f.conn, f.serviceID, types.ContentTagParents, types.StatusPetitioned, 10, SummaryFilter{})
	require.NoError(t, err)
	assert.Len(t, petitionedHeaders, 1)
}

func TestGet_MaterializeTimeoutTruncates(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	acct := f.accounts[0]

	fooID := f.tagID(t, "foo")
	h1 := f.hashID(t, "h1")
	require.NoError(t, f.engine.Repo.PendMappings(ctx, f.conn, f.serviceID, acct.ID, fooID, []int64{h1}, "add foo", 1000))

	// Generous bound: the petition materializes fully.
	f.engine.MaterializeTimeout = 10 * time.Second
	p, err := f.engine.Get(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPending, acct.Key, "add foo")
	require.NoError(t, err)
	assert.Len(t, p.Actions[0].Rows, 1)

	// An expired bound truncates the content list before the first row, and
	// an all-truncated petition reads as absent.
	f.engine.MaterializeTimeout = time.Nanosecond
	_, err = f.engine.Get(ctx, f.conn, f.serviceID, types.ContentMappings, types.StatusPending, acct.Key, "add foo")
	require.Error(t, err)
	assert.Equal(t, herr.NotFound, herr.KindOf(err))
}

func TestGet_UnknownPetition(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.Get(context.Background(), f.conn, f.serviceID, types.ContentMappings, types.StatusPetitioned, f.accounts[0].Key, "never filed")
	require.Error(t, err)
	assert.Equal(t, herr.NotFound, herr.KindOf(err))
}
