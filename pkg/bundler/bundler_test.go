package bundler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nedfreetoplay/hydrus/pkg/blobstore"
	hdb "github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/master"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/service"
	"github.com/nedfreetoplay/hydrus/pkg/types"
	"github.com/nedfreetoplay/hydrus/pkg/wire"
)

type fixture struct {
	conn    *sql.DB
	bundler *Bundler
	svc     *service.Service
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

	registry := service.NewRegistry(nil)
	svc, err := registry.Add(ctx, conn, types.ServiceFileRepo, "files", 45871,
		service.Options{UpdatePeriod: 100 * time.Second, NullificationPeriod: 90 * 24 * time.Hour})
	require.NoError(t, err)

	repoStore := repo.NewStore(master.NewStore())
	require.NoError(t, repoStore.CreateServiceTables(ctx, conn, svc.ID))

	blob, err := blobstore.Open(filepath.Join(dir, "server_files"))
	require.NoError(t, err)

	return &fixture{conn: conn, bundler: New(repoStore, blob, nil), svc: svc}
}

func testHash(s string) types.Hash {
	d := sha256.Sum256([]byte(s))
	return types.Hash{Algorithm: types.HashAlgoSHA256, Digest: d[:]}
}

func TestBundleGeneration_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.bundler.InitSchedule(ctx, f.conn, f.svc, t0))

	// Content lands at t+10.
	fi := repo.FileInfo{Hash: testHash("payload"), Size: 64, Mime: "image/png"}
	require.NoError(t, f.bundler.Repo.AddFile(ctx, f.conn, f.svc.ID, 1, fi, repo.AddFileOpts{}, t0.Unix()+10))

	// Not due before the window closes.
	created, err := f.bundler.SyncService(ctx, f.conn, f.svc, t0.Add(50*time.Second))
	require.NoError(t, err)
	assert.Zero(t, created)

	// At t+100 the window closes and one update appears.
	created, err = f.bundler.SyncService(ctx, f.conn, f.svc, t0.Add(100*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	metas, err := f.bundler.Metadata(ctx, f.conn, f.svc.ID)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, int64(0), metas[0].Index)
	assert.Equal(t, t0.Unix(), metas[0].Begin)
	assert.Equal(t, t0.Unix()+100, metas[0].End)
	require.NotEmpty(t, metas[0].Hashes)

	// The schedule advanced to end + period.
	due, err := f.bundler.NextDueAt(ctx, f.conn, f.svc.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Unix()+200, due.Unix())

	// Every referenced blob exists, its digest matches its bytes, and the
	// file added at t+10 is inside one of the bundles.
	foundFile := false
	for _, h := range metas[0].Hashes {
		rc, err := f.bundler.Blob.OpenRead(h, blobstore.KindFile)
		require.NoError(t, err)
		raw, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, h.Digest, wire.Digest(raw).Digest)

		kind, _, _, err := wire.Decode(raw)
		require.NoError(t, err)
		if kind == wire.KindContentUpdate {
			cu, err := wire.DecodeContent(raw)
			require.NoError(t, err)
			if len(cu.FilesAdded) == 1 && cu.FilesAdded[0].Size == 64 {
				foundFile = true
			}
		}
	}
	assert.True(t, foundFile, "the window's file add must appear in a content bundle")
}

func TestSyncService_CatchesUpMultipleWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.bundler.InitSchedule(ctx, f.conn, f.svc, t0))

	// Three full windows pass before the bundler runs.
	created, err := f.bundler.SyncService(ctx, f.conn, f.svc, t0.Add(350*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	metas, err := f.bundler.Metadata(ctx, f.conn, f.svc.ID)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	for i, m := range metas {
		assert.Equal(t, int64(i), m.Index)
		assert.Empty(t, m.Hashes, "empty windows still get a metadata row, with no bundles")
	}
}

func TestUpdateBlobsAreNotOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.bundler.InitSchedule(ctx, f.conn, f.svc, t0))

	fi := repo.FileInfo{Hash: testHash("x"), Size: 1, Mime: "image/png"}
	require.NoError(t, f.bundler.Repo.AddFile(ctx, f.conn, f.svc.ID, 1, fi, repo.AddFileOpts{}, t0.Unix()+10))

	_, err := f.bundler.SyncService(ctx, f.conn, f.svc, t0.Add(100*time.Second))
	require.NoError(t, err)

	metas, err := f.bundler.Metadata(ctx, f.conn, f.svc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, metas[0].Hashes)

	bundleMasterID, err := f.bundler.Repo.Master.HashID(ctx, f.conn, metas[0].Hashes[0])
	require.NoError(t, err)

	orphans, err := f.bundler.Repo.FilterOrphanHashes(ctx, f.conn, []int64{bundleMasterID}, 0)
	require.NoError(t, err)
	assert.Empty(t, orphans, "bundle blobs are referenced by the updates table")
}

func TestMetadataSince(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.bundler.InitSchedule(ctx, f.conn, f.svc, t0))

	_, err := f.bundler.SyncService(ctx, f.conn, f.svc, t0.Add(300*time.Second))
	require.NoError(t, err)

	slice, err := f.bundler.MetadataSince(ctx, f.conn, f.svc.ID, 1)
	require.NoError(t, err)
	require.Len(t, slice, 2)
	assert.Equal(t, int64(1), slice[0].Index)

	m, ok, err := f.bundler.MetadataAt(ctx, f.conn, f.svc.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), m.Index)

	_, ok, err = f.bundler.MetadataAt(ctx, f.conn, f.svc.ID, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}
