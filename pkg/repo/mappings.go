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

// AddMappings makes (tag, hash) rows current, vectorized over hashes. Hashes
// whose mapping is in deleted are skipped unless overwriteDeleted is set.
func (s *Store) AddMappings(ctx context.Context, q db.Querier, serviceID, accountID, masterTagID int64, masterHashIDs []int64, overwriteDeleted bool, t int64) error {
	serviceTagID, err := s.ServiceTagID(ctx, q, serviceID, masterTagID, t)
	if err != nil {
		return err
	}

	for _, mid := range masterHashIDs {
		serviceHashID, err := s.ServiceHashID(ctx, q, serviceID, mid, t)
		if err != nil {
			return err
		}

		var exists int
		err = q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT 1 FROM %s WHERE service_tag_id = ? AND service_hash_id = ?`, mapTbl("deleted_mappings", serviceID)),
			serviceTagID, serviceHashID).Scan(&exists)
		switch {
		case err == nil:
			if !overwriteDeleted {
				continue
			}
			if _, err := q.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE service_tag_id = ? AND service_hash_id = ?`, mapTbl("deleted_mappings", serviceID)),
				serviceTagID, serviceHashID); err != nil {
				return herr.Wrap(herr.Internal, err)
			}
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumDeletedMappings, -1); err != nil {
				return err
			}
		case !errors.Is(err, sql.ErrNoRows):
			return herr.Wrap(herr.Internal, err)
		}

		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (service_tag_id, service_hash_id, account_id, mapping_timestamp) VALUES (?, ?, ?, ?)
				ON CONFLICT (service_tag_id, service_hash_id) DO NOTHING`, mapTbl("current_mappings", serviceID)),
			serviceTagID, serviceHashID, accountID, t)
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

		// Promotion clears every matching pending row, whoever pended it.
		delRes, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE master_tag_id = ? AND master_hash_id = ?`, mapTbl("pending_mappings", serviceID)),
			masterTagID, mid)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if cleared, _ := delRes.RowsAffected(); cleared > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPendingMappings, -cleared); err != nil {
				return err
			}
		}

		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumMappings, 1); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMappings moves (tag, hash) rows current -> deleted and drops any
// matching petitioned rows.
func (s *Store) DeleteMappings(ctx context.Context, q db.Querier, serviceID, accountID, masterTagID int64, masterHashIDs []int64, t int64) error {
	serviceTagID, err := s.ServiceTagID(ctx, q, serviceID, masterTagID, t)
	if err != nil {
		return err
	}

	for _, mid := range masterHashIDs {
		serviceHashID, err := s.ServiceHashID(ctx, q, serviceID, mid, t)
		if err != nil {
			return err
		}

		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_tag_id = ? AND service_hash_id = ?`, mapTbl("current_mappings", serviceID)),
			serviceTagID, serviceHashID)
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
			fmt.Sprintf(`INSERT INTO %s (service_tag_id, service_hash_id, account_id, mapping_timestamp) VALUES (?, ?, ?, ?)
				ON CONFLICT (service_tag_id, service_hash_id) DO NOTHING`, mapTbl("deleted_mappings", serviceID)),
			serviceTagID, serviceHashID, accountID, t); err != nil {
			return herr.Wrap(herr.Internal, err)
		}

		delRes, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_tag_id = ? AND service_hash_id = ?`, mapTbl("petitioned_mappings", serviceID)),
			serviceTagID, serviceHashID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if cleared, _ := delRes.RowsAffected(); cleared > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPetitionedMappings, -cleared); err != nil {
				return err
			}
		}

		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumMappings, -1); err != nil {
			return err
		}
		if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumDeletedMappings, 1); err != nil {
			return err
		}
	}
	return nil
}

// PendMappings records requested additions. Hashes whose mapping is already
// current are skipped, keeping pending and current disjoint.
func (s *Store) PendMappings(ctx context.Context, q db.Querier, serviceID, accountID, masterTagID int64, masterHashIDs []int64, reason string, t int64) error {
	reasonID, err := s.ReasonID(ctx, q, reason)
	if err != nil {
		return err
	}
	serviceTagID, err := s.ServiceTagID(ctx, q, serviceID, masterTagID, t)
	if err != nil {
		return err
	}

	for _, mid := range masterHashIDs {
		serviceHashID, err := s.ServiceHashID(ctx, q, serviceID, mid, t)
		if err != nil {
			return err
		}

		var exists int
		err = q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT 1 FROM %s WHERE service_tag_id = ? AND service_hash_id = ?`, mapTbl("current_mappings", serviceID)),
			serviceTagID, serviceHashID).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return herr.Wrap(herr.Internal, err)
		}

		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (master_tag_id, master_hash_id, account_id, reason_id) VALUES (?, ?, ?, ?)
				ON CONFLICT (master_tag_id, master_hash_id, account_id) DO NOTHING`, mapTbl("pending_mappings", serviceID)),
			masterTagID, mid, accountID, reasonID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPendingMappings, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// PetitionMappings records requested removals for mappings that are current.
func (s *Store) PetitionMappings(ctx context.Context, q db.Querier, serviceID, accountID, masterTagID int64, masterHashIDs []int64, reason string, t int64) error {
	reasonID, err := s.ReasonID(ctx, q, reason)
	if err != nil {
		return err
	}
	serviceTagID, err := s.ServiceTagID(ctx, q, serviceID, masterTagID, t)
	if err != nil {
		return err
	}

	for _, mid := range masterHashIDs {
		serviceHashID, err := s.ServiceHashID(ctx, q, serviceID, mid, t)
		if err != nil {
			return err
		}

		var exists int
		err = q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT 1 FROM %s WHERE service_tag_id = ? AND service_hash_id = ?`, mapTbl("current_mappings", serviceID)),
			serviceTagID, serviceHashID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}

		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (service_tag_id, service_hash_id, account_id, reason_id) VALUES (?, ?, ?, ?)
				ON CONFLICT (service_tag_id, service_hash_id, account_id) DO NOTHING`, mapTbl("petitioned_mappings", serviceID)),
			serviceTagID, serviceHashID, accountID, reasonID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPetitionedMappings, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// DenyPendMappings drops one account's pending rows for the tag.
func (s *Store) DenyPendMappings(ctx context.Context, q db.Querier, serviceID, accountID, masterTagID int64, masterHashIDs []int64) error {
	for _, mid := range masterHashIDs {
		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE master_tag_id = ? AND master_hash_id = ? AND account_id = ?`, mapTbl("pending_mappings", serviceID)),
			masterTagID, mid, accountID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPendingMappings, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

// DenyPetitionMappings drops one account's petitioned rows for the tag
// without touching the current rows.
func (s *Store) DenyPetitionMappings(ctx context.Context, q db.Querier, serviceID, accountID, masterTagID int64, masterHashIDs []int64, t int64) error {
	serviceTagID, err := s.ServiceTagID(ctx, q, serviceID, masterTagID, t)
	if err != nil {
		return err
	}
	for _, mid := range masterHashIDs {
		serviceHashID, err := s.ServiceHashID(ctx, q, serviceID, mid, t)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE service_tag_id = ? AND service_hash_id = ? AND account_id = ?`, mapTbl("petitioned_mappings", serviceID)),
			serviceTagID, serviceHashID, accountID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := s.UpdateServiceInfo(ctx, q, serviceID, types.NumPetitionedMappings, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

// CurrentMappingCount returns how many hashes currently carry the tag, the
// weight used for petitioner scoring.
func (s *Store) CurrentMappingCount(ctx context.Context, q db.Querier, serviceID, masterTagID int64) (int64, error) {
	var serviceTagID int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT service_tag_id FROM %s WHERE master_tag_id = ?`, tbl("service_tag_ids", serviceID)),
		masterTagID).Scan(&serviceTagID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}

	var n int64
	err = q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE service_tag_id = ?`, mapTbl("current_mappings", serviceID)),
		serviceTagID).Scan(&n)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return n, nil
}

// MappingPair is one (tag, hash) row in master-id terms.
type MappingPair struct {
	MasterTagID  int64
	MasterHashID int64
}

// CurrentMappingsByAccount lists up to limit current mappings authored by
// the account, resolved to master ids for replay through DeleteMappings.
func (s *Store) CurrentMappingsByAccount(ctx context.Context, q db.Querier, serviceID, accountID int64, limit int) ([]MappingPair, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT st.master_tag_id, sh.master_hash_id FROM %s cm
		JOIN %s st ON st.service_tag_id = cm.service_tag_id
		JOIN %s sh ON sh.service_hash_id = cm.service_hash_id
		WHERE cm.account_id = ? LIMIT ?`,
		mapTbl("current_mappings", serviceID), tbl("service_tag_ids", serviceID), tbl("service_hash_ids", serviceID)),
		accountID, limit)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []MappingPair
	for rows.Next() {
		var p MappingPair
		if err := rows.Scan(&p.MasterTagID, &p.MasterHashID); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}
