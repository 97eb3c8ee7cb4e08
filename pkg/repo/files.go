package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// FileInfo is the metadata dict a client submits alongside a file upload.
type FileInfo struct {
	Hash       types.Hash
	Size       int64
	Mime       string
	Width      int64
	Height     int64
	DurationMS int64
	NumFrames  int64
	NumWords   int64
}

// AddFileOpts tunes one AddFile call.
type AddFileOpts struct {
	OverwriteDeleted bool
	// MaxStorage caps total (current + pending) stored bytes; zero means
	// unlimited. BypassStorage skips the check, for moderator uploads.
	MaxStorage    int64
	BypassStorage bool
}

// AddFile makes the file current on the service: interns the master hash,
// stores its metadata if new, maps a service hash id, and inserts the
// current row. A deleted row blocks the add unless OverwriteDeleted is set.
func (s *Store) AddFile(ctx context.Context, q db.Querier, serviceID, accountID int64, fi FileInfo, opts AddFileOpts, t int64) error {
	masterHashID, err := s.Master.HashID(ctx, q, fi.Hash)
	if err != nil {
		return err
	}

	if !opts.BypassStorage && opts.MaxStorage > 0 {
		used, err := s.StoredBytes(ctx, q, serviceID)
		if err != nil {
			return err
		}
		if used+fi.Size > opts.MaxStorage {
			return herr.Newf(herr.Conflict, "service storage full: %d + %d > %d", used, fi.Size, opts.MaxStorage)
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO files_info (master_hash_id, size, mime, width, height, duration_ms, num_frames, num_words)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (master_hash_id) DO NOTHING`,
		masterHashID, fi.Size, fi.Mime, fi.Width, fi.Height, fi.DurationMS, fi.NumFrames, fi.NumWords)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	serviceHashID, err := s.ServiceHashID(ctx, q, serviceID, masterHashID, t)
	if err != nil {
		return err
	}

	var exists int
	err = q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE service_hash_id = ?`, tbl("deleted_files", serviceID)),
		serviceHashID).Scan(&exists)
	switch {
	case err == nil:
		if !opts.OverwriteDeleted {
			return herr.New(herr.Conflict, "file was previously deleted")
		}
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_hash_id = ?`, tbl("deleted_files", serviceID)),
			serviceHashID); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumDeletedFiles, -1); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return herr.Wrap(herr.Internal, err)
	}

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (service_hash_id, account_id, file_timestamp) VALUES (?, ?, ?)
			ON CONFLICT (service_hash_id) DO NOTHING`, tbl("current_files", serviceID)),
		serviceHashID, accountID, t)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if inserted == 0 {
		return nil
	}

	// A promoted pending row is cleared, and a re-added blob is rescued from
	// the deferred-delete queue before the reaper gets to it.
	delRes, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE master_hash_id = ?`, tbl("pending_files", serviceID)),
		masterHashID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if cleared, _ := delRes.RowsAffected(); cleared > 0 {
		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPendingFiles, -cleared); err != nil {
			return err
		}
	}
	if err := s.ClearDeferredDelete(ctx, q, masterHashID); err != nil {
		return err
	}

	return s.UpdateServiceInfo(ctx, q, serviceID, types.NumFiles, 1)
}

// DeleteFiles moves the given service hash ids current -> deleted, drops any
// petitioned rows for them, and enqueues newly orphaned blobs for deferred
// physical deletion.
func (s *Store) DeleteFiles(ctx context.Context, q db.Querier, serviceID, accountID int64, serviceHashIDs []int64, t int64) error {
	var masterIDs []int64

	for _, shid := range serviceHashIDs {
		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_hash_id = ?`, tbl("current_files", serviceID)),
			shid)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n == 0 {
			continue
		}

		if _, err := q.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (service_hash_id, account_id, file_timestamp) VALUES (?, ?, ?)
				ON CONFLICT (service_hash_id) DO NOTHING`, tbl("deleted_files", serviceID)),
			shid, accountID, t); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_hash_id = ?`, tbl("petitioned_files", serviceID)),
			shid); err != nil {
			return herr.Wrap(herr.Internal, err)
		}

		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumFiles, -1); err != nil {
			return err
		}
		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumDeletedFiles, 1); err != nil {
			return err
		}

		mid, err := s.MasterHashID(ctx, q, serviceID, shid)
		if err != nil {
			return err
		}
		masterIDs = append(masterIDs, mid)
	}

	orphans, err := s.FilterOrphanHashes(ctx, q, masterIDs, 0)
	if err != nil {
		return err
	}
	for _, mid := range orphans {
		if err := s.EnqueueDeferredDelete(ctx, q, mid, true, true); err != nil {
			return err
		}
	}
	if len(orphans) > 0 && s.Broker != nil {
		db.QueueOrPublish(ctx, s.Broker, &events.Event{Type: events.EventBlobEnqueuedForGC, ServiceID: serviceID})
	}
	return nil
}

// PendFile records a request to add the file, keyed by (master hash,
// account).
func (s *Store) PendFile(ctx context.Context, q db.Querier, serviceID, accountID, masterHashID int64, reason string) error {
	reasonID, err := s.ReasonID(ctx, q, reason)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (master_hash_id, account_id, reason_id) VALUES (?, ?, ?)
			ON CONFLICT (master_hash_id, account_id) DO NOTHING`, tbl("pending_files", serviceID)),
		masterHashID, accountID, reasonID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.UpdateServiceInfo(ctx, q, serviceID, types.NumPendingFiles, 1)
	}
	return nil
}

// PetitionFile records a request to delete a currently-hosted file. The file
// must be current.
func (s *Store) PetitionFile(ctx context.Context, q db.Querier, serviceID, accountID, serviceHashID int64, reason string) error {
	var exists int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE service_hash_id = ?`, tbl("current_files", serviceID)),
		serviceHashID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return herr.New(herr.NotFound, "cannot petition a file that is not current")
	}
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	reasonID, err := s.ReasonID(ctx, q, reason)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (service_hash_id, account_id, reason_id) VALUES (?, ?, ?)
			ON CONFLICT (service_hash_id, account_id) DO NOTHING`, tbl("petitioned_files", serviceID)),
		serviceHashID, accountID, reasonID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.UpdateServiceInfo(ctx, q, serviceID, types.NumPetitionedFiles, 1)
	}
	return nil
}

// DenyPendFiles drops pending rows without promoting them.
func (s *Store) DenyPendFiles(ctx context.Context, q db.Querier, serviceID, accountID int64, masterHashIDs []int64) error {
	for _, mid := range masterHashIDs {
		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE master_hash_id = ? AND account_id = ?`, tbl("pending_files", serviceID)),
			mid, accountID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPendingFiles, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

// DenyPetitionFiles drops petitioned rows without deleting the content.
func (s *Store) DenyPetitionFiles(ctx context.Context, q db.Querier, serviceID, accountID int64, serviceHashIDs []int64) error {
	for _, shid := range serviceHashIDs {
		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_hash_id = ? AND account_id = ?`, tbl("petitioned_files", serviceID)),
			shid, accountID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPetitionedFiles, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

// StoredBytes sums file sizes over current and pending rows, the figure the
// max-storage gate compares against.
func (s *Store) StoredBytes(ctx context.Context, q db.Querier, serviceID int64) (int64, error) {
	var current, pending sql.NullInt64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT SUM(fi.size) FROM %s cf
		JOIN %s sh ON sh.service_hash_id = cf.service_hash_id
		JOIN files_info fi ON fi.master_hash_id = sh.master_hash_id`,
		tbl("current_files", serviceID), tbl("service_hash_ids", serviceID))).Scan(&current)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	err = q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT SUM(fi.size) FROM %s pf
		JOIN files_info fi ON fi.master_hash_id = pf.master_hash_id`,
		tbl("pending_files", serviceID))).Scan(&pending)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return current.Int64 + pending.Int64, nil
}

// CurrentFileIDsByAccount lists up to limit current file rows authored by
// the account, for the delete-all-content sweep.
func (s *Store) CurrentFileIDsByAccount(ctx context.Context, q db.Querier, serviceID, accountID int64, limit int) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT service_hash_id FROM %s WHERE account_id = ? LIMIT ?`, tbl("current_files", serviceID)),
		accountID, limit)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()
	return scanInt64s(rows)
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}
