package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

func hashOf(b []byte) types.Hash {
	d := sha256.Sum256(b)
	return types.Hash{Algorithm: types.HashAlgoSHA256, Digest: d[:]}
}

func TestOpen_CreatesAllShards(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root)
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 256)
	assert.DirExists(t, filepath.Join(root, "00"))
	assert.DirExists(t, filepath.Join(root, "ff"))
}

func TestPutOpenReadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("jpeg bytes go here")
	h := hashOf(payload)

	require.NoError(t, s.Put(h, KindFile, bytes.NewReader(payload)))
	assert.True(t, s.Exists(h, KindFile))
	assert.False(t, s.Exists(h, KindThumbnail))

	rc, err := s.OpenRead(h, KindFile)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, int64(len(payload)), s.BytesStored())
}

func TestPut_Idempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("once")
	h := hashOf(payload)
	require.NoError(t, s.PutBytes(h, KindFile, payload))
	require.NoError(t, s.PutBytes(h, KindFile, payload))

	assert.Equal(t, int64(len(payload)), s.BytesStored())
}

func TestOpenRead_NotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.OpenRead(hashOf([]byte("missing")), KindFile)
	require.Error(t, err)
	assert.Equal(t, herr.NotFound, herr.KindOf(err))
}

func TestThumbnailSharesShardWithFile(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("image")
	h := hashOf(payload)
	require.NoError(t, s.PutBytes(h, KindFile, payload))
	require.NoError(t, s.PutBytes(h, KindThumbnail, []byte("thumb")))

	filePath := s.path(h, KindFile)
	thumbPath := s.path(h, KindThumbnail)
	assert.Equal(t, filepath.Dir(filePath), filepath.Dir(thumbPath))
	assert.Equal(t, filePath+".thumbnail", thumbPath)
}

// fakeQueue is an in-memory DeleteQueue for reaper tests.
type fakeQueue struct {
	pairs [][2]*types.Hash
	acked int
}

func (f *fakeQueue) PopDeferredDelete(context.Context) (*types.Hash, *types.Hash, bool, error) {
	if len(f.pairs) == 0 {
		return nil, nil, false, nil
	}
	p := f.pairs[0]
	return p[0], p[1], true, nil
}

func (f *fakeQueue) AckDeferredDelete(context.Context, *types.Hash, *types.Hash) error {
	f.pairs = f.pairs[1:]
	f.acked++
	return nil
}

func TestReaper_RemovesBlobAndAcks(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("doomed")
	h := hashOf(payload)
	require.NoError(t, s.PutBytes(h, KindFile, payload))
	require.NoError(t, s.PutBytes(h, KindThumbnail, []byte("t")))

	q := &fakeQueue{pairs: [][2]*types.Hash{{&h, &h}}}
	r := NewReaper(s, q, nil)
	r.SetPending(1)

	assert.True(t, r.Tick(context.Background()))
	assert.False(t, s.Exists(h, KindFile))
	assert.False(t, s.Exists(h, KindThumbnail))
	assert.Equal(t, 1, q.acked)
	assert.Equal(t, 0, r.PendingDeletes())

	// Empty queue: no-op.
	assert.False(t, r.Tick(context.Background()))
}

func TestReaper_MissingBlobStillAcks(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	h := hashOf([]byte("never stored"))
	q := &fakeQueue{pairs: [][2]*types.Hash{{&h, nil}}}
	r := NewReaper(s, q, nil)

	assert.True(t, r.Tick(context.Background()))
	assert.Equal(t, 1, q.acked)
}
