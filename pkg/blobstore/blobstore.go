// Package blobstore implements the content-addressed on-disk store for
// files, thumbnails, and update bundles. Blobs live under a 256-way sharded
// directory keyed by the leading byte of the content hash; writes are
// atomic-rename-into-place, deletes go through a deferred queue so a crash
// mid-delete never breaks referential integrity.
package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// BlobKind distinguishes a file blob from its thumbnail. Update bundles are
// stored as file blobs.
type BlobKind string

const (
	KindFile      BlobKind = "file"
	KindThumbnail BlobKind = "thumbnail"
)

const thumbnailSuffix = ".thumbnail"

// Remover performs the physical removal of a blob path. The default
// implementation unlinks; deployments that want recycle-bin semantics plug
// in their own.
type Remover interface {
	Remove(path string) error
}

type unlinkRemover struct{}

func (unlinkRemover) Remove(path string) error { return os.Remove(path) }

// Store is the sharded blob directory. Reads take only the shard lock for
// the blob's prefix; writers take the shard lock exclusively.
type Store struct {
	root    string
	remover Remover
	shards  [256]sync.RWMutex

	statMu      sync.Mutex
	bytesStored int64
}

// Open creates (if needed) the 256 shard directories under root and returns
// a Store.
func Open(root string) (*Store, error) {
	for i := 0; i < 256; i++ {
		dir := filepath.Join(root, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, herr.Wrap(herr.Internal, fmt.Errorf("creating shard %02x: %w", i, err))
		}
	}
	s := &Store{root: root, remover: unlinkRemover{}}
	s.rescanSize()
	return s, nil
}

// SetRemover replaces the physical-removal strategy.
func (s *Store) SetRemover(r Remover) { s.remover = r }

func (s *Store) rescanSize() {
	var total int64
	_ = filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	s.statMu.Lock()
	s.bytesStored = total
	s.statMu.Unlock()
}

// BytesStored implements metrics.BlobstoreSource.
func (s *Store) BytesStored() int64 {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.bytesStored
}

func (s *Store) path(h types.Hash, kind BlobKind) string {
	hexHash := h.Hex()
	name := hexHash
	if kind == KindThumbnail {
		name += thumbnailSuffix
	}
	return filepath.Join(s.root, hexHash[:2], name)
}

func (s *Store) shard(h types.Hash) *sync.RWMutex {
	return &s.shards[h.Digest[0]]
}

// Put writes the blob atomically: the bytes land in a temp file in the
// destination shard, then rename into place. A no-op if the blob already
// exists, so replays and re-uploads are idempotent.
func (s *Store) Put(h types.Hash, kind BlobKind, r io.Reader) error {
	mu := s.shard(h)
	mu.Lock()
	defer mu.Unlock()

	dst := s.path(h, kind)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return herr.Wrap(herr.Internal, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return herr.Wrap(herr.Internal, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return herr.Wrap(herr.Internal, err)
	}

	s.statMu.Lock()
	s.bytesStored += n
	s.statMu.Unlock()
	return nil
}

// PutBytes is Put for an in-memory payload, the bundler's common case.
func (s *Store) PutBytes(h types.Hash, kind BlobKind, b []byte) error {
	return s.Put(h, kind, bytes.NewReader(b))
}

// OpenRead returns a streaming reader for the blob. The caller closes it.
func (s *Store) OpenRead(h types.Hash, kind BlobKind) (io.ReadCloser, error) {
	mu := s.shard(h)
	mu.RLock()
	defer mu.RUnlock()

	f, err := os.Open(s.path(h, kind))
	if os.IsNotExist(err) {
		return nil, herr.Newf(herr.NotFound, "no %s blob for %s", kind, h.Hex())
	}
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return f, nil
}

// Exists reports whether the blob is on disk.
func (s *Store) Exists(h types.Hash, kind BlobKind) bool {
	mu := s.shard(h)
	mu.RLock()
	defer mu.RUnlock()

	_, err := os.Stat(s.path(h, kind))
	return err == nil
}

// remove physically deletes the blob if present; missing is not an error,
// since the deferred queue may retry after a partial crash.
func (s *Store) remove(h types.Hash, kind BlobKind) error {
	mu := s.shard(h)
	mu.Lock()
	defer mu.Unlock()

	p := s.path(h, kind)
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if err := s.remover.Remove(p); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	s.statMu.Lock()
	s.bytesStored -= info.Size()
	s.statMu.Unlock()
	logger := log.WithComponent("blobstore")
	logger.Debug().Str("hash", h.Hex()).Str("kind", string(kind)).Msg("blob removed")
	return nil
}
