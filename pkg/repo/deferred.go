package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// FilterOrphanHashes returns the subset of candidate master hash ids that no
// service references any more, neither as a current file nor as an update
// bundle blob. ignoreServiceID, if nonzero, exempts one service's references
// for the about-to-drop-this-service case.
func (s *Store) FilterOrphanHashes(ctx context.Context, q db.Querier, candidates []int64, ignoreServiceID int64) ([]int64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT service_id FROM services WHERE service_type IN (?, ?) AND service_id != ?`,
		string(types.ServiceFileRepo), string(types.ServiceTagRepo), ignoreServiceID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	serviceIDs, err := scanInt64s(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var orphans []int64
candidateLoop:
	for _, mid := range candidates {
		var ref int
		err := q.QueryRowContext(ctx,
			`SELECT 1 FROM update_hashes WHERE master_hash_id = ? AND service_id != ? LIMIT 1`,
			mid, ignoreServiceID).Scan(&ref)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, herr.Wrap(herr.Internal, err)
		}

		for _, sid := range serviceIDs {
			err := q.QueryRowContext(ctx, fmt.Sprintf(`
				SELECT 1 FROM %s cf
				JOIN %s sh ON sh.service_hash_id = cf.service_hash_id
				WHERE sh.master_hash_id = ? LIMIT 1`,
				tbl("current_files", sid), tbl("service_hash_ids", sid)),
				mid).Scan(&ref)
			if err == nil {
				continue candidateLoop
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, herr.Wrap(herr.Internal, err)
			}
		}

		orphans = append(orphans, mid)
	}
	return orphans, nil
}

// EnqueueDeferredDelete queues the blob(s) behind a master hash id for
// physical removal by the reaper.
func (s *Store) EnqueueDeferredDelete(ctx context.Context, q db.Querier, masterHashID int64, file, thumbnail bool) error {
	if file {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO deferred_physical_file_deletes (master_hash_id) VALUES (?)
			 ON CONFLICT (master_hash_id) DO NOTHING`, masterHashID); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
	}
	if thumbnail {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO deferred_physical_thumbnail_deletes (master_hash_id) VALUES (?)
			 ON CONFLICT (master_hash_id) DO NOTHING`, masterHashID); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
	}
	return nil
}

// ClearDeferredDelete rescues a hash from both deletion queues, called when
// content is re-added before the reaper has processed it.
func (s *Store) ClearDeferredDelete(ctx context.Context, q db.Querier, masterHashID int64) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM deferred_physical_file_deletes WHERE master_hash_id = ?`, masterHashID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM deferred_physical_thumbnail_deletes WHERE master_hash_id = ?`, masterHashID); err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	return nil
}

// PendingDeleteCount reports how many hashes sit in either deletion queue.
func (s *Store) PendingDeleteCount(ctx context.Context, q db.Querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT master_hash_id FROM deferred_physical_file_deletes
			UNION
			SELECT master_hash_id FROM deferred_physical_thumbnail_deletes
		)`).Scan(&n)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return n, nil
}

// PopDeferredDelete returns the next queued hash's file and/or thumbnail
// digests without removing the queue rows; AckDeferredDelete removes them
// once the physical removal succeeded.
func (s *Store) PopDeferredDelete(ctx context.Context, q db.Querier) (file, thumbnail *types.Hash, ok bool, err error) {
	var mid int64
	scanErr := q.QueryRowContext(ctx, `
		SELECT master_hash_id FROM deferred_physical_file_deletes
		UNION
		SELECT master_hash_id FROM deferred_physical_thumbnail_deletes
		LIMIT 1`).Scan(&mid)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if scanErr != nil {
		return nil, nil, false, herr.Wrap(herr.Internal, scanErr)
	}

	h, err := s.Master.Hash(ctx, q, mid)
	if err != nil {
		return nil, nil, false, err
	}

	var one int
	if err := q.QueryRowContext(ctx,
		`SELECT 1 FROM deferred_physical_file_deletes WHERE master_hash_id = ?`, mid).Scan(&one); err == nil {
		hc := h
		file = &hc
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, herr.Wrap(herr.Internal, err)
	}
	if err := q.QueryRowContext(ctx,
		`SELECT 1 FROM deferred_physical_thumbnail_deletes WHERE master_hash_id = ?`, mid).Scan(&one); err == nil {
		hc := h
		thumbnail = &hc
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, herr.Wrap(herr.Internal, err)
	}

	return file, thumbnail, true, nil
}

// AckDeferredDelete removes the queue rows for the given digests.
func (s *Store) AckDeferredDelete(ctx context.Context, q db.Querier, file, thumbnail *types.Hash) error {
	clear := func(table string, h *types.Hash) error {
		if h == nil {
			return nil
		}
		_, err := q.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE master_hash_id IN (
				SELECT master_hash_id FROM external_master.hashes WHERE hash = ?
			)`, table), h.Digest)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		return nil
	}
	if err := clear("deferred_physical_file_deletes", file); err != nil {
		return err
	}
	return clear("deferred_physical_thumbnail_deletes", thumbnail)
}
