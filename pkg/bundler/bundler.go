// Package bundler builds the immutable update bundles clients synchronize
// from: definition bundles for new id assignments and content bundles for
// row changes, each covering one closed window of a service's history.
package bundler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nedfreetoplay/hydrus/pkg/blobstore"
	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/service"
	"github.com/nedfreetoplay/hydrus/pkg/types"
	"github.com/nedfreetoplay/hydrus/pkg/wire"
)

// Chunking limits per bundle.
const (
	MaxDefinitionRows  = 50000
	MaxContentRows     = 250000
	MaxHashesPerTagRow = 25000
)

// UpdateMeta is one row of a service's update index.
type UpdateMeta struct {
	Index  int64
	Hashes []types.Hash
	Begin  int64
	End    int64
}

// Bundler builds bundles for every repository service on its cadence.
type Bundler struct {
	Repo   *repo.Store
	Blob   *blobstore.Store
	broker *events.Broker
}

// New returns a bundler. broker may be nil.
func New(r *repo.Store, blob *blobstore.Store, broker *events.Broker) *Bundler {
	return &Bundler{Repo: r, Blob: blob, broker: broker}
}

// InitSchedule seeds a freshly provisioned service's update schedule: the
// first window closes one update period after creation.
func (b *Bundler) InitSchedule(ctx context.Context, q db.Querier, svc *service.Service, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO update_schedule (service_id, next_update_due_at, next_nullification_update_index)
		VALUES (?, ?, 0)
		ON CONFLICT (service_id) DO NOTHING`,
		svc.ID, now.Add(svc.Options.UpdatePeriod).Unix())
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	return nil
}

// NextDueAt reads when the service's next window closes.
func (b *Bundler) NextDueAt(ctx context.Context, q db.Querier, serviceID int64) (time.Time, error) {
	var due int64
	err := q.QueryRowContext(ctx,
		`SELECT next_update_due_at FROM update_schedule WHERE service_id = ?`, serviceID).Scan(&due)
	if err != nil {
		return time.Time{}, herr.Wrap(herr.Internal, err)
	}
	return time.Unix(due, 0), nil
}

// SyncService creates every overdue update for the service, one window at a
// time, and returns how many updates were appended.
func (b *Bundler) SyncService(ctx context.Context, q db.Querier, svc *service.Service, now time.Time) (int, error) {
	logger := log.WithComponent("bundler").With().Int64("service_id", svc.ID).Logger()

	created := 0
	for {
		due, err := b.NextDueAt(ctx, q, svc.ID)
		if err != nil {
			return created, err
		}
		if now.Before(due) {
			return created, nil
		}

		end := due.Unix()
		begin := end - int64(svc.Options.UpdatePeriod/time.Second)
		meta, err := b.CreateUpdate(ctx, q, svc, begin, end)
		if err != nil {
			return created, err
		}
		created++
		logger.Info().Int64("index", meta.Index).Int("bundles", len(meta.Hashes)).
			Int64("begin", meta.Begin).Int64("end", meta.End).Msg("update created")

		if b.broker != nil {
			db.QueueOrPublish(ctx, b.broker, &events.Event{Type: events.EventBundleCreated, ServiceID: svc.ID})
		}
	}
}

type pendingBundle struct {
	kind    blobKindLabel
	payload any
	rows    int

	encoded []byte
	hash    types.Hash
}

type blobKindLabel string

const (
	labelDefinitions blobKindLabel = "definitions"
	labelContent     blobKindLabel = "content"
)

// CreateUpdate builds and persists the bundles for one window: definitions
// for ids stamped in (begin, end], content for rows committed in (begin,
// end]. The window always yields a metadata row, even when empty.
func (b *Bundler) CreateUpdate(ctx context.Context, q db.Querier, svc *service.Service, begin, end int64) (*UpdateMeta, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BundleCreateDuration, "update")

	bundles, err := b.collectBundles(ctx, q, svc.ID, begin, end)
	if err != nil {
		return nil, err
	}

	// Serialization and blob writes are independent per bundle; the DB
	// bookkeeping below stays on the caller's goroutine.
	var g errgroup.Group
	var mu sync.Mutex
	for i := range bundles {
		pb := bundles[i]
		g.Go(func() error {
			var (
				encoded []byte
				err     error
			)
			switch p := pb.payload.(type) {
			case *wire.DefinitionsUpdate:
				encoded, err = wire.EncodeDefinitions(p)
			case *wire.ContentUpdate:
				encoded, err = wire.EncodeContent(p)
			}
			if err != nil {
				return err
			}
			h := wire.Digest(encoded)
			if err := b.Blob.PutBytes(h, blobstore.KindFile, encoded); err != nil {
				return err
			}
			mu.Lock()
			pb.encoded = encoded
			pb.hash = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var nextIndex int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(update_index) + 1, 0) FROM update_metadata WHERE service_id = ?`, svc.ID).Scan(&nextIndex); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	meta := &UpdateMeta{Index: nextIndex, Begin: begin, End: end}
	for _, pb := range bundles {
		masterHashID, err := b.Repo.Master.HashID(ctx, q, pb.hash)
		if err != nil {
			return nil, err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO update_hashes (service_id, update_index, master_hash_id) VALUES (?, ?, ?)`,
			svc.ID, nextIndex, masterHashID); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		meta.Hashes = append(meta.Hashes, pb.hash)

		metrics.BundlesCreatedTotal.WithLabelValues(svc.Name, string(pb.kind)).Inc()
		metrics.BundleRowsTotal.WithLabelValues(svc.Name, string(pb.kind)).Add(float64(pb.rows))
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO update_metadata (service_id, update_index, begin_at, end_at) VALUES (?, ?, ?, ?)`,
		svc.ID, nextIndex, begin, end); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE update_schedule SET next_update_due_at = ? WHERE service_id = ?`,
		end+int64(svc.Options.UpdatePeriod/time.Second), svc.ID); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	return meta, nil
}

// collectBundles gathers the window's rows and chunks them into payloads.
func (b *Bundler) collectBundles(ctx context.Context, q db.Querier, serviceID, begin, end int64) ([]*pendingBundle, error) {
	var bundles []*pendingBundle

	hashDefs, err := b.Repo.HashDefinitionsInWindow(ctx, q, serviceID, begin+1, end)
	if err != nil {
		return nil, err
	}
	tagDefs, err := b.Repo.TagDefinitionsInWindow(ctx, q, serviceID, begin+1, end)
	if err != nil {
		return nil, err
	}

	defs := &wire.DefinitionsUpdate{}
	flushDefs := func() {
		if defs.RowCount() > 0 {
			bundles = append(bundles, &pendingBundle{kind: labelDefinitions, payload: defs, rows: defs.RowCount()})
			defs = &wire.DefinitionsUpdate{}
		}
	}
	for _, d := range hashDefs {
		defs.Hashes = append(defs.Hashes, wire.IDHash{ID: d.ServiceHashID, Algorithm: string(d.Hash.Algorithm), Hash: d.Hash.Digest})
		if defs.RowCount() >= MaxDefinitionRows {
			flushDefs()
		}
	}
	for _, d := range tagDefs {
		defs.Tags = append(defs.Tags, wire.IDTag{ID: d.ServiceTagID, Tag: d.Tag})
		if defs.RowCount() >= MaxDefinitionRows {
			flushDefs()
		}
	}
	flushDefs()

	content := &wire.ContentUpdate{}
	flushContent := func() {
		if content.RowCount() > 0 {
			bundles = append(bundles, &pendingBundle{kind: labelContent, payload: content, rows: content.RowCount()})
			content = &wire.ContentUpdate{}
		}
	}
	maybeFlush := func() {
		if content.RowCount() >= MaxContentRows {
			flushContent()
		}
	}

	files, err := b.Repo.CurrentFilesInWindow(ctx, q, serviceID, begin, end)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		content.FilesAdded = append(content.FilesAdded, wire.FileRecord{
			ServiceHashID: f.ServiceHashID, Size: f.Size, Mime: f.Mime,
			Width: f.Width, Height: f.Height, DurationMS: f.DurationMS,
			NumFrames: f.NumFrames, NumWords: f.NumWords,
		})
		maybeFlush()
	}

	deletedFiles, err := b.Repo.DeletedFileIDsInWindow(ctx, q, serviceID, begin, end)
	if err != nil {
		return nil, err
	}
	for _, id := range deletedFiles {
		content.FilesDeleted = append(content.FilesDeleted, id)
		maybeFlush()
	}

	for _, table := range []string{"current_mappings", "deleted_mappings"} {
		byTag, tagOrder, err := b.Repo.MappingsInWindow(ctx, q, table, serviceID, begin, end)
		if err != nil {
			return nil, err
		}
		for _, tagID := range tagOrder {
			hashIDs := byTag[tagID]
			for start := 0; start < len(hashIDs); start += MaxHashesPerTagRow {
				chunk := hashIDs[start:min(start+MaxHashesPerTagRow, len(hashIDs))]
				row := wire.TagIDHashIDs{TagID: tagID, HashIDs: chunk}
				if table == "current_mappings" {
					content.MappingsAdded = append(content.MappingsAdded, row)
				} else {
					content.MappingsDeleted = append(content.MappingsDeleted, row)
				}
				maybeFlush()
			}
		}
	}

	for _, pairs := range []struct {
		kind    types.ContentKind
		table   string
		deleted bool
	}{
		{types.ContentTagParents, "current_tag_parents", false},
		{types.ContentTagParents, "deleted_tag_parents", true},
		{types.ContentTagSiblings, "current_tag_siblings", false},
		{types.ContentTagSiblings, "deleted_tag_siblings", true},
	} {
		rows, err := b.Repo.PairsInWindow(ctx, q, pairs.kind, pairs.table, serviceID, begin, end)
		if err != nil {
			return nil, err
		}
		for _, p := range rows {
			row := wire.IDPair{A: p.A, B: p.B}
			switch {
			case pairs.kind == types.ContentTagParents && !pairs.deleted:
				content.ParentsAdded = append(content.ParentsAdded, row)
			case pairs.kind == types.ContentTagParents:
				content.ParentsDeleted = append(content.ParentsDeleted, row)
			case !pairs.deleted:
				content.SiblingsAdded = append(content.SiblingsAdded, row)
			default:
				content.SiblingsDeleted = append(content.SiblingsDeleted, row)
			}
			maybeFlush()
		}
	}
	flushContent()

	return bundles, nil
}

// Metadata reads the service's full update index.
func (b *Bundler) Metadata(ctx context.Context, q db.Querier, serviceID int64) ([]UpdateMeta, error) {
	return b.MetadataSince(ctx, q, serviceID, 0)
}

// MetadataSince reads the update index from the given update index on.
func (b *Bundler) MetadataSince(ctx context.Context, q db.Querier, serviceID, fromIndex int64) ([]UpdateMeta, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT update_index, begin_at, end_at FROM update_metadata
		WHERE service_id = ? AND update_index >= ? ORDER BY update_index`,
		serviceID, fromIndex)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var metas []UpdateMeta
	for rows.Next() {
		var m UpdateMeta
		if err := rows.Scan(&m.Index, &m.Begin, &m.End); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	for i := range metas {
		hashRows, err := q.QueryContext(ctx, `
			SELECT h.algorithm, h.hash FROM update_hashes uh
			JOIN external_master.hashes h ON h.master_hash_id = uh.master_hash_id
			WHERE uh.service_id = ? AND uh.update_index = ?
			ORDER BY uh.master_hash_id`,
			serviceID, metas[i].Index)
		if err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		for hashRows.Next() {
			var (
				algo   string
				digest []byte
			)
			if err := hashRows.Scan(&algo, &digest); err != nil {
				hashRows.Close()
				return nil, herr.Wrap(herr.Internal, err)
			}
			metas[i].Hashes = append(metas[i].Hashes, types.Hash{Algorithm: types.HashAlgorithm(algo), Digest: digest})
		}
		if err := hashRows.Err(); err != nil {
			hashRows.Close()
			return nil, herr.Wrap(herr.Internal, err)
		}
		hashRows.Close()
	}
	return metas, nil
}

// MetadataAt reads one update's metadata row, ok=false when the index does
// not exist yet.
func (b *Bundler) MetadataAt(ctx context.Context, q db.Querier, serviceID, index int64) (*UpdateMeta, bool, error) {
	metas, err := b.MetadataSince(ctx, q, serviceID, index)
	if err != nil {
		return nil, false, err
	}
	if len(metas) == 0 || metas[0].Index != index {
		return nil, false, nil
	}
	return &metas[0], true, nil
}
