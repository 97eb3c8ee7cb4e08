package repo

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

	hdb "github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/master"
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

	store := NewStore(master.NewStore())
	require.NoError(t, store.CreateServiceTables(ctx, conn, serviceID))

	return &fixture{conn: conn, store: store, serviceID: serviceID}
}

func testHash(s string) types.Hash {
	d := sha256.Sum256([]byte(s))
	return types.Hash{Algorithm: types.HashAlgoSHA256, Digest: d[:]}
}

func testFile(s string, size int64) FileInfo {
	return FileInfo{Hash: testHash(s), Size: size, Mime: "image/png", Width: 100, Height: 100}
}

func (f *fixture) counter(t *testing.T, c types.ServiceInfoCounter) int64 {
	t.Helper()
	v, err := f.store.ServiceInfo(context.Background(), f.conn, f.serviceID, c)
	require.NoError(t, err)
	return v
}

func TestAddDeleteFile_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 100), AddFileOpts{}, 1000))
	assert.Equal(t, int64(1), f.counter(t, types.NumFiles))

	mid, err := f.store.Master.HashID(ctx, f.conn, testHash("a"))
	require.NoError(t, err)
	shid, err := f.store.ServiceHashID(ctx, f.conn, f.serviceID, mid, 1000)
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteFiles(ctx, f.conn, f.serviceID, 2, []int64{shid}, 2000))
	assert.Equal(t, int64(0), f.counter(t, types.NumFiles))
	assert.Equal(t, int64(1), f.counter(t, types.NumDeletedFiles))

	// Re-add is refused while the deleted row stands.
	err = f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 100), AddFileOpts{}, 3000)
	require.Error(t, err)
	assert.Equal(t, herr.Conflict, herr.KindOf(err))

	// With overwrite the deleted row is consumed and counters net +1.
	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 100), AddFileOpts{OverwriteDeleted: true}, 3000))
	assert.Equal(t, int64(1), f.counter(t, types.NumFiles))
	assert.Equal(t, int64(0), f.counter(t, types.NumDeletedFiles))
}

func TestAddFile_StorageGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 900), AddFileOpts{MaxStorage: 1000}, 1000))

	err := f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("b", 200), AddFileOpts{MaxStorage: 1000}, 1001)
	require.Error(t, err)
	assert.Equal(t, herr.Conflict, herr.KindOf(err))

	// Moderators bypass.
	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("b", 200), AddFileOpts{MaxStorage: 1000, BypassStorage: true}, 1002))
}

func TestPendThenAdd_ClearsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mid, err := f.store.Master.HashID(ctx, f.conn, testHash("a"))
	require.NoError(t, err)

	require.NoError(t, f.store.PendFile(ctx, f.conn, f.serviceID, 7, mid, "please add"))
	assert.Equal(t, int64(1), f.counter(t, types.NumPendingFiles))

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 10), AddFileOpts{}, 1000))

	var n int
	require.NoError(t, f.conn.QueryRow(
		`SELECT COUNT(*) FROM pending_files_`+itoa(f.serviceID)).Scan(&n))
	assert.Zero(t, n, "promotion clears the pending row")
}

func TestPetitionFile_RequiresCurrentAndClearsOnDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mid, err := f.store.Master.HashID(ctx, f.conn, testHash("a"))
	require.NoError(t, err)
	shid, err := f.store.ServiceHashID(ctx, f.conn, f.serviceID, mid, 500)
	require.NoError(t, err)

	err = f.store.PetitionFile(ctx, f.conn, f.serviceID, 7, shid, "bad file")
	require.Error(t, err)
	assert.Equal(t, herr.NotFound, herr.KindOf(err))

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 10), AddFileOpts{}, 1000))
	require.NoError(t, f.store.PetitionFile(ctx, f.conn, f.serviceID, 7, shid, "bad file"))
	assert.Equal(t, int64(1), f.counter(t, types.NumPetitionedFiles))

	// Deleting the current row sweeps the petitioned row with it.
	require.NoError(t, f.store.DeleteFiles(ctx, f.conn, f.serviceID, 1, []int64{shid}, 2000))
	var n int
	require.NoError(t, f.conn.QueryRow(
		`SELECT COUNT(*) FROM petitioned_files_`+itoa(f.serviceID)).Scan(&n))
	assert.Zero(t, n)
}

func TestDeleteFiles_EnqueuesOrphanAndReaddRescues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 10), AddFileOpts{}, 1000))
	mid, err := f.store.Master.HashID(ctx, f.conn, testHash("a"))
	require.NoError(t, err)
	shid, err := f.store.ServiceHashID(ctx, f.conn, f.serviceID, mid, 1000)
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteFiles(ctx, f.conn, f.serviceID, 1, []int64{shid}, 2000))

	n, err := f.store.PendingDeleteCount(ctx, f.conn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	file, thumb, ok, err := f.store.PopDeferredDelete(ctx, f.conn)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testHash("a").Digest, file.Digest)
	require.NotNil(t, thumb)

	// Re-adding before the reaper runs rescues the blob from the queue.
	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 10), AddFileOpts{OverwriteDeleted: true}, 3000))
	n, err = f.store.PendingDeleteCount(ctx, f.conn)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFilterOrphanHashes_RespectsReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("kept", 10), AddFileOpts{}, 1000))
	keptID, err := f.store.Master.HashID(ctx, f.conn, testHash("kept"))
	require.NoError(t, err)

	orphanID, err := f.store.Master.HashID(ctx, f.conn, testHash("orphan"))
	require.NoError(t, err)

	bundleID, err := f.store.Master.HashID(ctx, f.conn, testHash("bundle"))
	require.NoError(t, err)
	_, err = f.conn.Exec(`INSERT INTO update_hashes (service_id, update_index, master_hash_id) VALUES (?, 0, ?)`, f.serviceID, bundleID)
	require.NoError(t, err)

	orphans, err := f.store.FilterOrphanHashes(ctx, f.conn, []int64{keptID, orphanID, bundleID}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{orphanID}, orphans)

	// Ignoring the only referencing service frees its file references.
	orphans, err = f.store.FilterOrphanHashes(ctx, f.conn, []int64{keptID, bundleID}, f.serviceID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{keptID, bundleID}, orphans)
}

func TestMappings_AddDeleteAndCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tagID, err := f.store.Master.TagID(ctx, f.conn, "species:oak")
	require.NoError(t, err)
	h1, err := f.store.Master.HashID(ctx, f.conn, testHash("h1"))
	require.NoError(t, err)
	h2, err := f.store.Master.HashID(ctx, f.conn, testHash("h2"))
	require.NoError(t, err)

	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1, h2}, false, 1000))
	assert.Equal(t, int64(2), f.counter(t, types.NumMappings))

	count, err := f.store.CurrentMappingCount(ctx, f.conn, f.serviceID, tagID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, f.store.DeleteMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1}, 2000))
	assert.Equal(t, int64(1), f.counter(t, types.NumMappings))
	assert.Equal(t, int64(1), f.counter(t, types.NumDeletedMappings))

	// A deleted mapping is silently skipped on re-add without overwrite.
	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1}, false, 3000))
	assert.Equal(t, int64(1), f.counter(t, types.NumMappings))

	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1}, true, 3000))
	assert.Equal(t, int64(2), f.counter(t, types.NumMappings))
	assert.Equal(t, int64(0), f.counter(t, types.NumDeletedMappings))
}

func TestPendMappings_SkipsCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tagID, err := f.store.Master.TagID(ctx, f.conn, "oak")
	require.NoError(t, err)
	h1, err := f.store.Master.HashID(ctx, f.conn, testHash("h1"))
	require.NoError(t, err)
	h2, err := f.store.Master.HashID(ctx, f.conn, testHash("h2"))
	require.NoError(t, err)

	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1}, false, 1000))
	require.NoError(t, f.store.PendMappings(ctx, f.conn, f.serviceID, 7, tagID, []int64{h1, h2}, "add these", 1500))

	// Only the non-current hash is pended; pending and current stay disjoint.
	assert.Equal(t, int64(1), f.counter(t, types.NumPendingMappings))
}

func TestTagSibling_SingleGoodPerBad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad, err := f.store.Master.TagID(ctx, f.conn, "colour:blue")
	require.NoError(t, err)
	good, err := f.store.Master.TagID(ctx, f.conn, "color:blue")
	require.NoError(t, err)
	other, err := f.store.Master.TagID(ctx, f.conn, "color:navy")
	require.NoError(t, err)

	require.NoError(t, f.store.AddTagSibling(ctx, f.conn, f.serviceID, 1, bad, good, false, 1000))
	assert.Equal(t, int64(1), f.counter(t, types.NumTagSiblings))

	// Same pair again: idempotent.
	require.NoError(t, f.store.AddTagSibling(ctx, f.conn, f.serviceID, 1, bad, good, false, 1001))
	assert.Equal(t, int64(1), f.counter(t, types.NumTagSiblings))

	// Different good tag for the same bad tag conflicts.
	err = f.store.AddTagSibling(ctx, f.conn, f.serviceID, 1, bad, other, false, 1002)
	require.Error(t, err)
	assert.Equal(t, herr.Conflict, herr.KindOf(err))

	// ReplaceTagSibling swaps atomically.
	require.NoError(t, f.store.ReplaceTagSibling(ctx, f.conn, f.serviceID, 1, bad, other, 2000))
	assert.Equal(t, int64(1), f.counter(t, types.NumTagSiblings))
	assert.Equal(t, int64(1), f.counter(t, types.NumDeletedTagSiblings))
}

func TestTagParent_PendPetitionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	child, err := f.store.Master.TagID(ctx, f.conn, "oak")
	require.NoError(t, err)
	parent, err := f.store.Master.TagID(ctx, f.conn, "tree")
	require.NoError(t, err)

	require.NoError(t, f.store.PendTagParent(ctx, f.conn, f.serviceID, 7, child, parent, "obviously"))
	assert.Equal(t, int64(1), f.counter(t, types.NumPendingTagParents))

	// Promotion clears the pending row.
	require.NoError(t, f.store.AddTagParent(ctx, f.conn, f.serviceID, 1, child, parent, false, 1000))
	assert.Equal(t, int64(1), f.counter(t, types.NumTagParents))
	assert.Equal(t, int64(0), f.counter(t, types.NumPendingTagParents))

	require.NoError(t, f.store.PetitionTagParent(ctx, f.conn, f.serviceID, 7, child, parent, "wrong", 1500))
	assert.Equal(t, int64(1), f.counter(t, types.NumPetitionedTagParents))

	require.NoError(t, f.store.DeleteTagParent(ctx, f.conn, f.serviceID, 1, child, parent, 2000))
	assert.Equal(t, int64(0), f.counter(t, types.NumTagParents))
	assert.Equal(t, int64(1), f.counter(t, types.NumDeletedTagParents))
	assert.Equal(t, int64(0), f.counter(t, types.NumPetitionedTagParents))
}

func TestRegenerateServiceInfo_MatchesIncremental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("a", 1), AddFileOpts{}, 1000))
	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 1, testFile("b", 1), AddFileOpts{}, 1000))

	tagID, err := f.store.Master.TagID(ctx, f.conn, "oak")
	require.NoError(t, err)
	h1, err := f.store.Master.HashID(ctx, f.conn, testHash("a"))
	require.NoError(t, err)
	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1}, false, 1000))

	// Corrupt a counter, then regenerate.
	_, err = f.conn.Exec(`UPDATE service_info SET info_value = 99 WHERE info_type = ?`, string(types.NumFiles))
	require.NoError(t, err)

	require.NoError(t, f.store.RegenerateServiceInfo(ctx, f.conn, f.serviceID))
	assert.Equal(t, int64(2), f.counter(t, types.NumFiles))
	assert.Equal(t, int64(1), f.counter(t, types.NumMappings))
	assert.Equal(t, int64(0), f.counter(t, types.NumDeletedFiles))
}

func TestNullifyWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 11, testFile("a", 1), AddFileOpts{}, 1000))
	require.NoError(t, f.store.AddFile(ctx, f.conn, f.serviceID, 11, testFile("b", 1), AddFileOpts{}, 5000))

	tagID, err := f.store.Master.TagID(ctx, f.conn, "oak")
	require.NoError(t, err)
	h1, err := f.store.Master.HashID(ctx, f.conn, testHash("a"))
	require.NoError(t, err)
	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 11, tagID, []int64{h1}, false, 1500))

	const nullAccount = 99
	n, err := f.store.NullifyWindow(ctx, f.conn, f.serviceID, nullAccount, 0, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "file at t=1000 and mapping at t=1500")

	var acct int64
	require.NoError(t, f.conn.QueryRow(
		`SELECT account_id FROM current_files_`+itoa(f.serviceID)+` WHERE file_timestamp = 1000`).Scan(&acct))
	assert.Equal(t, int64(nullAccount), acct)

	require.NoError(t, f.conn.QueryRow(
		`SELECT account_id FROM current_files_`+itoa(f.serviceID)+` WHERE file_timestamp = 5000`).Scan(&acct))
	assert.Equal(t, int64(11), acct, "row outside the window keeps its author")

	// Idempotent: already-nullified rows are not counted again.
	n, err = f.store.NullifyWindow(ctx, f.conn, f.serviceID, nullAccount, 0, 2000)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMappingPetitionRows_DeadlineTruncates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tagID, err := f.store.Master.TagID(ctx, f.conn, "oak")
	require.NoError(t, err)
	h1, err := f.store.Master.HashID(ctx, f.conn, testHash("h1"))
	require.NoError(t, err)
	h2, err := f.store.Master.HashID(ctx, f.conn, testHash("h2"))
	require.NoError(t, err)
	require.NoError(t, f.store.AddMappings(ctx, f.conn, f.serviceID, 1, tagID, []int64{h1, h2}, false, 1000))
	require.NoError(t, f.store.PetitionMappings(ctx, f.conn, f.serviceID, 7, tagID, []int64{h1, h2}, "bad", 1500))

	var acctID, reasonID int64
	require.NoError(t, f.conn.QueryRow(
		`SELECT account_id, reason_id FROM external_mappings.petitioned_mappings_`+itoa(f.serviceID)+` LIMIT 1`).Scan(&acctID, &reasonID))

	// Unbounded: everything comes back.
	rows, err := f.store.MappingPetitionRows(ctx, f.conn, f.serviceID, types.StatusPetitioned, acctID, reasonID, 1000, 1000, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].Hashes, 2)

	// A deadline already in the past truncates to nothing rather than
	// erroring.
	rows, err = f.store.MappingPetitionRows(ctx, f.conn, f.serviceID, types.StatusPetitioned, acctID, reasonID, 1000, 1000, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func itoa(v int64) string {
	return fmt.Sprintf("%d", v)
}
