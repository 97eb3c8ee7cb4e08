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

// Tag parents (child implies parent) and tag siblings (bad replaced by good)
// share their row shape, so both run through one pair engine parameterized
// by table and column names. Siblings differ in one invariant: the bad tag
// is the primary key of the current table, so a bad tag maps to at most one
// good tag at a time.

type pairSpec struct {
	kind                                              types.ContentKind
	current                                           string // table base name
	deleted                                           string
	pending                                           string
	petitioned                                        string
	colA, colB                                        string // service-scoped column names
	pColA, pColB                                      string // master-scoped column names in pending
	numCurrent, numDeleted, numPending, numPetitioned types.ServiceInfoCounter
	singleA                                           bool // colA alone is the current table's primary key
}

var parentSpec = pairSpec{
	kind:       types.ContentTagParents,
	current:    "current_tag_parents",
	deleted:    "deleted_tag_parents",
	pending:    "pending_tag_parents",
	petitioned: "petitioned_tag_parents",
	colA:       "child_service_tag_id",
	colB:       "parent_service_tag_id",
	pColA:      "child_master_tag_id",
	pColB:      "parent_master_tag_id",
	numCurrent: types.NumTagParents, numDeleted: types.NumDeletedTagParents,
	numPending: types.NumPendingTagParents, numPetitioned: types.NumPetitionedTagParents,
}

var siblingSpec = pairSpec{
	kind:       types.ContentTagSiblings,
	current:    "current_tag_siblings",
	deleted:    "deleted_tag_siblings",
	pending:    "pending_tag_siblings",
	petitioned: "petitioned_tag_siblings",
	colA:       "bad_service_tag_id",
	colB:       "good_service_tag_id",
	pColA:      "bad_master_tag_id",
	pColB:      "good_master_tag_id",
	numCurrent: types.NumTagSiblings, numDeleted: types.NumDeletedTagSiblings,
	numPending: types.NumPendingTagSiblings, numPetitioned: types.NumPetitionedTagSiblings,
	singleA: true,
}

// TagPair is one (a, b) relation in master-id terms: (child, parent) for
// parents, (bad, good) for siblings.
type TagPair struct {
	A int64
	B int64
}

func (s *Store) addPair(ctx context.Context, q db.Querier, spec pairSpec, serviceID, accountID, masterA, masterB int64, overwriteDeleted bool, t int64) error {
	a, err := s.ServiceTagID(ctx, q, serviceID, masterA, t)
	if err != nil {
		return err
	}
	b, err := s.ServiceTagID(ctx, q, serviceID, masterB, t)
	if err != nil {
		return err
	}

	var exists int
	err = q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? AND %s = ?`, tbl(spec.deleted, serviceID), spec.colA, spec.colB),
		a, b).Scan(&exists)
	switch {
	case err == nil:
		if !overwriteDeleted {
			return herr.Newf(herr.Conflict, "%s pair was previously deleted", spec.kind)
		}
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`, tbl(spec.deleted, serviceID), spec.colA, spec.colB),
			a, b); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		if err := s.UpdateServiceInfo(ctx, q, serviceID, spec.numDeleted, -1); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return herr.Wrap(herr.Internal, err)
	}

	if spec.singleA {
		// One good tag per bad tag. An add over a different existing pairing
		// is a conflict; the delete must be serialized with the re-add.
		var existingB int64
		err := q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, spec.colB, tbl(spec.current, serviceID), spec.colA),
			a).Scan(&existingB)
		if err == nil {
			if existingB == b {
				return nil
			}
			return herr.New(herr.Conflict, "bad tag already has a sibling")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return herr.Wrap(herr.Internal, err)
		}
	}

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, %s, account_id, %s) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING`, tbl(spec.current, serviceID), spec.colA, spec.colB, pairTimestampCol(spec)),
		a, b, accountID, t)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n == 0 {
		return nil
	}

	delRes, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`, tbl(spec.pending, serviceID), spec.pColA, spec.pColB),
		masterA, masterB)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if cleared, _ := delRes.RowsAffected(); cleared > 0 {
		if err := s.UpdateServiceInfo(ctx, q, serviceID, spec.numPending, -cleared); err != nil {
			return err
		}
	}

	return s.UpdateServiceInfo(ctx, q, serviceID, spec.numCurrent, 1)
}

func pairTimestampCol(spec pairSpec) string {
	if spec.kind == types.ContentTagSiblings {
		return "sibling_timestamp"
	}
	return "parent_timestamp"
}

func (s *Store) deletePair(ctx context.Context, q db.Querier, spec pairSpec, serviceID, accountID, masterA, masterB int64, t int64) error {
	a, err := s.ServiceTagID(ctx, q, serviceID, masterA, t)
	if err != nil {
		return err
	}
	b, err := s.ServiceTagID(ctx, q, serviceID, masterB, t)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`, tbl(spec.current, serviceID), spec.colA, spec.colB),
		a, b)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n == 0 {
		return nil
	}

	if _, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, %s, account_id, %s) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING`, tbl(spec.deleted, serviceID), spec.colA, spec.colB, pairTimestampCol(spec)),
		a, b, accountID, t); err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	delRes, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`, tbl(spec.petitioned, serviceID), spec.colA, spec.colB),
		a, b)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if cleared, _ := delRes.RowsAffected(); cleared > 0 {
		if err := s.UpdateServiceInfo(ctx, q, serviceID, spec.numPetitioned, -cleared); err != nil {
			return err
		}
	}

	if err := s.UpdateServiceInfo(ctx, q, serviceID, spec.numCurrent, -1); err != nil {
		return err
	}
	return s.UpdateServiceInfo(ctx, q, serviceID, spec.numDeleted, 1)
}

func (s *Store) pendPair(ctx context.Context, q db.Querier, spec pairSpec, serviceID, accountID, masterA, masterB int64, reason string) error {
	reasonID, err := s.ReasonID(ctx, q, reason)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, %s, account_id, reason_id) VALUES (?, ?, ?, ?)
			ON CONFLICT (%s, %s, account_id) DO NOTHING`,
			tbl(spec.pending, serviceID), spec.pColA, spec.pColB, spec.pColA, spec.pColB),
		masterA, masterB, accountID, reasonID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.UpdateServiceInfo(ctx, q, serviceID, spec.numPending, 1)
	}
	return nil
}

func (s *Store) petitionPair(ctx context.Context, q db.Querier, spec pairSpec, serviceID, accountID, masterA, masterB int64, reason string, t int64) error {
	a, err := s.ServiceTagID(ctx, q, serviceID, masterA, t)
	if err != nil {
		return err
	}
	b, err := s.ServiceTagID(ctx, q, serviceID, masterB, t)
	if err != nil {
		return err
	}

	var exists int
	err = q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? AND %s = ?`, tbl(spec.current, serviceID), spec.colA, spec.colB),
		a, b).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return herr.Newf(herr.NotFound, "cannot petition a %s pair that is not current", spec.kind)
	}
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	reasonID, err := s.ReasonID(ctx, q, reason)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, %s, account_id, reason_id) VALUES (?, ?, ?, ?)
			ON CONFLICT (%s, %s, account_id) DO NOTHING`,
			tbl(spec.petitioned, serviceID), spec.colA, spec.colB, spec.colA, spec.colB),
		a, b, accountID, reasonID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.UpdateServiceInfo(ctx, q, serviceID, spec.numPetitioned, 1)
	}
	return nil
}

func (s *Store) denyPendPair(ctx context.Context, q db.Querier, spec pairSpec, serviceID, accountID, masterA, masterB int64) error {
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ? AND account_id = ?`, tbl(spec.pending, serviceID), spec.pColA, spec.pColB),
		masterA, masterB, accountID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.UpdateServiceInfo(ctx, q, serviceID, spec.numPending, -1)
	}
	return nil
}

func (s *Store) denyPetitionPair(ctx context.Context, q db.Querier, spec pairSpec, serviceID, accountID, masterA, masterB int64, t int64) error {
	a, err := s.ServiceTagID(ctx, q, serviceID, masterA, t)
	if err != nil {
		return err
	}
	b, err := s.ServiceTagID(ctx, q, serviceID, masterB, t)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ? AND account_id = ?`, tbl(spec.petitioned, serviceID), spec.colA, spec.colB),
		a, b, accountID)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.UpdateServiceInfo(ctx, q, serviceID, spec.numPetitioned, -1)
	}
	return nil
}

// AddTagParent makes (child implies parent) current.
func (s *Store) AddTagParent(ctx context.Context, q db.Querier, serviceID, accountID, childMasterTagID, parentMasterTagID int64, overwriteDeleted bool, t int64) error {
	return s.addPair(ctx, q, parentSpec, serviceID, accountID, childMasterTagID, parentMasterTagID, overwriteDeleted, t)
}

// DeleteTagParent moves the pair current -> deleted.
func (s *Store) DeleteTagParent(ctx context.Context, q db.Querier, serviceID, accountID, childMasterTagID, parentMasterTagID int64, t int64) error {
	return s.deletePair(ctx, q, parentSpec, serviceID, accountID, childMasterTagID, parentMasterTagID, t)
}

// PendTagParent records a requested parent addition.
func (s *Store) PendTagParent(ctx context.Context, q db.Querier, serviceID, accountID, childMasterTagID, parentMasterTagID int64, reason string) error {
	return s.pendPair(ctx, q, parentSpec, serviceID, accountID, childMasterTagID, parentMasterTagID, reason)
}

// PetitionTagParent records a requested parent removal.
func (s *Store) PetitionTagParent(ctx context.Context, q db.Querier, serviceID, accountID, childMasterTagID, parentMasterTagID int64, reason string, t int64) error {
	return s.petitionPair(ctx, q, parentSpec, serviceID, accountID, childMasterTagID, parentMasterTagID, reason, t)
}

// DenyPendTagParent drops the pending row.
func (s *Store) DenyPendTagParent(ctx context.Context, q db.Querier, serviceID, accountID, childMasterTagID, parentMasterTagID int64) error {
	return s.denyPendPair(ctx, q, parentSpec, serviceID, accountID, childMasterTagID, parentMasterTagID)
}

// DenyPetitionTagParent drops the petitioned row.
func (s *Store) DenyPetitionTagParent(ctx context.Context, q db.Querier, serviceID, accountID, childMasterTagID, parentMasterTagID int64, t int64) error {
	return s.denyPetitionPair(ctx, q, parentSpec, serviceID, accountID, childMasterTagID, parentMasterTagID, t)
}

// AddTagSibling makes (bad replaced by good) current. Conflicts if the bad
// tag already points at a different good tag; use ReplaceTagSibling for an
// atomic swap.
func (s *Store) AddTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, goodMasterTagID int64, overwriteDeleted bool, t int64) error {
	return s.addPair(ctx, q, siblingSpec, serviceID, accountID, badMasterTagID, goodMasterTagID, overwriteDeleted, t)
}

// DeleteTagSibling moves the pair current -> deleted.
func (s *Store) DeleteTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, goodMasterTagID int64, t int64) error {
	return s.deletePair(ctx, q, siblingSpec, serviceID, accountID, badMasterTagID, goodMasterTagID, t)
}

// ReplaceTagSibling deletes whatever sibling the bad tag currently has and
// adds the new pairing, in one call so the two steps share a transaction.
func (s *Store) ReplaceTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, newGoodMasterTagID int64, t int64) error {
	a, err := s.ServiceTagID(ctx, q, serviceID, badMasterTagID, t)
	if err != nil {
		return err
	}

	var existingGood int64
	err = q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT good_service_tag_id FROM %s WHERE bad_service_tag_id = ?`, tbl("current_tag_siblings", serviceID)),
		a).Scan(&existingGood)
	if err == nil {
		existingMaster, err := s.MasterTagID(ctx, q, serviceID, existingGood)
		if err != nil {
			return err
		}
		if err := s.DeleteTagSibling(ctx, q, serviceID, accountID, badMasterTagID, existingMaster, t); err != nil {
			return err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return herr.Wrap(herr.Internal, err)
	}

	return s.AddTagSibling(ctx, q, serviceID, accountID, badMasterTagID, newGoodMasterTagID, true, t)
}

// PendTagSibling records a requested sibling addition.
func (s *Store) PendTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, goodMasterTagID int64, reason string) error {
	return s.pendPair(ctx, q, siblingSpec, serviceID, accountID, badMasterTagID, goodMasterTagID, reason)
}

// PetitionTagSibling records a requested sibling removal.
func (s *Store) PetitionTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, goodMasterTagID int64, reason string, t int64) error {
	return s.petitionPair(ctx, q, siblingSpec, serviceID, accountID, badMasterTagID, goodMasterTagID, reason, t)
}

// DenyPendTagSibling drops the pending row.
func (s *Store) DenyPendTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, goodMasterTagID int64) error {
	return s.denyPendPair(ctx, q, siblingSpec, serviceID, accountID, badMasterTagID, goodMasterTagID)
}

// DenyPetitionTagSibling drops the petitioned row.
func (s *Store) DenyPetitionTagSibling(ctx context.Context, q db.Querier, serviceID, accountID, badMasterTagID, goodMasterTagID int64, t int64) error {
	return s.denyPetitionPair(ctx, q, siblingSpec, serviceID, accountID, badMasterTagID, goodMasterTagID, t)
}

// CurrentPairsByAccount lists up to limit current pairs authored by the
// account for the given kind, in master-id terms.
func (s *Store) CurrentPairsByAccount(ctx context.Context, q db.Querier, kind types.ContentKind, serviceID, accountID int64, limit int) ([]TagPair, error) {
	spec := parentSpec
	if kind == types.ContentTagSiblings {
		spec = siblingSpec
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT ta.master_tag_id, tb.master_tag_id FROM %s cp
		JOIN %s ta ON ta.service_tag_id = cp.%s
		JOIN %s tb ON tb.service_tag_id = cp.%s
		WHERE cp.account_id = ? LIMIT ?`,
		tbl(spec.current, serviceID), tbl("service_tag_ids", serviceID), spec.colA, tbl("service_tag_ids", serviceID), spec.colB),
		accountID, limit)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []TagPair
	for rows.Next() {
		var p TagPair
		if err := rows.Scan(&p.A, &p.B); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}
