package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Petition-facing queries. The petition engine composes these into
// summaries and full petitions; the SQL stays here with the table layout.

// petitionTable returns the pending or petitioned table (fully qualified)
// for a content kind and status.
func petitionTable(kind types.ContentKind, status types.PetitionStatus, serviceID int64) string {
	base := map[types.ContentKind]map[types.PetitionStatus]string{
		types.ContentFiles:       {types.StatusPending: "pending_files", types.StatusPetitioned: "petitioned_files"},
		types.ContentMappings:    {types.StatusPending: "pending_mappings", types.StatusPetitioned: "petitioned_mappings"},
		types.ContentTagParents:  {types.StatusPending: "pending_tag_parents", types.StatusPetitioned: "petitioned_tag_parents"},
		types.ContentTagSiblings: {types.StatusPending: "pending_tag_siblings", types.StatusPetitioned: "petitioned_tag_siblings"},
	}[kind][status]

	if kind == types.ContentMappings {
		return mapTbl(base, serviceID)
	}
	return tbl(base, serviceID)
}

// PetitionCandidate is one distinct (account, reason) petition.
type PetitionCandidate struct {
	AccountID int64
	ReasonID  int64
}

// CandidateFilter narrows the candidate scan.
type CandidateFilter struct {
	AccountID int64 // 0: any
	ReasonID  int64 // 0: any
}

// PetitionCandidates returns up to limit distinct (account, reason) pairs
// from the pending or petitioned table for the kind, ordered by account. A
// pending tag-pair petition is only actionable when no petitioned petition
// by the same account and reason would supersede it, so those candidates
// are filtered with a NOT EXISTS against the petitioned table.
func (s *Store) PetitionCandidates(ctx context.Context, q db.Querier, serviceID int64, kind types.ContentKind, status types.PetitionStatus, limit int, filter CandidateFilter) ([]PetitionCandidate, error) {
	table := petitionTable(kind, status, serviceID)

	var sb strings.Builder
	args := []any{}
	fmt.Fprintf(&sb, `SELECT DISTINCT p.account_id, p.reason_id FROM %s p WHERE 1=1`, table)
	if filter.AccountID != 0 {
		sb.WriteString(` AND p.account_id = ?`)
		args = append(args, filter.AccountID)
	}
	if filter.ReasonID != 0 {
		sb.WriteString(` AND p.reason_id = ?`)
		args = append(args, filter.ReasonID)
	}
	if status == types.StatusPending && (kind == types.ContentTagParents || kind == types.ContentTagSiblings) {
		fmt.Fprintf(&sb, ` AND NOT EXISTS (
			SELECT 1 FROM %s pp WHERE pp.account_id = p.account_id AND pp.reason_id = p.reason_id)`,
			petitionTable(kind, types.StatusPetitioned, serviceID))
	}
	sb.WriteString(` ORDER BY p.account_id LIMIT ?`)
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []PetitionCandidate
	for rows.Next() {
		var c PetitionCandidate
		if err := rows.Scan(&c.AccountID, &c.ReasonID); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}

// CountPetitions counts distinct actionable (account, reason) petitions for
// the kind and status.
func (s *Store) CountPetitions(ctx context.Context, q db.Querier, serviceID int64, kind types.ContentKind, status types.PetitionStatus) (int64, error) {
	table := petitionTable(kind, status, serviceID)

	query := fmt.Sprintf(`SELECT COUNT(*) FROM (SELECT DISTINCT account_id, reason_id FROM %s p`, table)
	if status == types.StatusPending && (kind == types.ContentTagParents || kind == types.ContentTagSiblings) {
		query += fmt.Sprintf(` WHERE NOT EXISTS (
			SELECT 1 FROM %s pp WHERE pp.account_id = p.account_id AND pp.reason_id = p.reason_id)`,
			petitionTable(kind, types.StatusPetitioned, serviceID))
	}
	query += `)`

	var n int64
	if err := q.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return n, nil
}

// DropPetitionRowsByAccount deletes every pending and petitioned row the
// account owns on the service, across all content kinds. Counters are not
// adjusted; callers follow with RegenerateServiceInfo.
func (s *Store) DropPetitionRowsByAccount(ctx context.Context, q db.Querier, serviceID, accountID int64) error {
	for _, kind := range []types.ContentKind{types.ContentFiles, types.ContentMappings, types.ContentTagParents, types.ContentTagSiblings} {
		for _, status := range []types.PetitionStatus{types.StatusPending, types.StatusPetitioned} {
			table := petitionTable(kind, status, serviceID)
			if _, err := q.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE account_id = ?`, table), accountID); err != nil {
				return herr.Wrap(herr.Internal, err)
			}
		}
	}
	return nil
}

// PetitionedFileHashes resolves one (account, reason) file petition to its
// digests.
func (s *Store) PetitionedFileHashes(ctx context.Context, q db.Querier, serviceID, accountID, reasonID int64) ([]types.Hash, error) {
	return s.queryHashes(ctx, q, fmt.Sprintf(`
		SELECT h.algorithm, h.hash FROM %s pf
		JOIN %s sh ON sh.service_hash_id = pf.service_hash_id
		JOIN external_master.hashes h ON h.master_hash_id = sh.master_hash_id
		WHERE pf.account_id = ? AND pf.reason_id = ?
		ORDER BY pf.service_hash_id`,
		tbl("petitioned_files", serviceID), tbl("service_hash_ids", serviceID)),
		accountID, reasonID)
}

// PendingFileHashes resolves one (account, reason) file pend to its digests.
func (s *Store) PendingFileHashes(ctx context.Context, q db.Querier, serviceID, accountID, reasonID int64) ([]types.Hash, error) {
	return s.queryHashes(ctx, q, fmt.Sprintf(`
		SELECT h.algorithm, h.hash FROM %s pf
		JOIN external_master.hashes h ON h.master_hash_id = pf.master_hash_id
		WHERE pf.account_id = ? AND pf.reason_id = ?
		ORDER BY pf.master_hash_id`,
		tbl("pending_files", serviceID)),
		accountID, reasonID)
}

func (s *Store) queryHashes(ctx context.Context, q db.Querier, query string, args ...any) ([]types.Hash, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []types.Hash
	for rows.Next() {
		var (
			algo   string
			digest []byte
		)
		if err := rows.Scan(&algo, &digest); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, types.Hash{Algorithm: types.HashAlgorithm(algo), Digest: digest})
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}

// TagHashes is one tag's slice of a mapping petition, resolved to text and
// digests.
type TagHashes struct {
	Tag    string
	Hashes []types.Hash
}

// MappingPetitionRows materializes one (account, reason) mapping petition,
// capped at maxRows total mappings, maxTags distinct tags, and the wall-
// clock deadline (zero means unbounded). Tags with the largest hash counts
// come first, so truncation keeps the costliest evidence.
func (s *Store) MappingPetitionRows(ctx context.Context, q db.Querier, serviceID int64, status types.PetitionStatus, accountID, reasonID int64, maxRows, maxTags int, deadline time.Time) ([]TagHashes, error) {
	var query string
	if status == types.StatusPending {
		query = fmt.Sprintf(`
			SELECT t.tag, h.algorithm, h.hash FROM %s pm
			JOIN external_master.tags t ON t.master_tag_id = pm.master_tag_id
			JOIN external_master.hashes h ON h.master_hash_id = pm.master_hash_id
			WHERE pm.account_id = ? AND pm.reason_id = ?
			ORDER BY (SELECT COUNT(*) FROM %s c WHERE c.master_tag_id = pm.master_tag_id AND c.account_id = pm.account_id AND c.reason_id = pm.reason_id) DESC, t.tag`,
			mapTbl("pending_mappings", serviceID), mapTbl("pending_mappings", serviceID))
	} else {
		query = fmt.Sprintf(`
			SELECT t.tag, h.algorithm, h.hash FROM %s pm
			JOIN %s st ON st.service_tag_id = pm.service_tag_id
			JOIN external_master.tags t ON t.master_tag_id = st.master_tag_id
			JOIN %s sh ON sh.service_hash_id = pm.service_hash_id
			JOIN external_master.hashes h ON h.master_hash_id = sh.master_hash_id
			WHERE pm.account_id = ? AND pm.reason_id = ?
			ORDER BY (SELECT COUNT(*) FROM %s c WHERE c.service_tag_id = pm.service_tag_id AND c.account_id = pm.account_id AND c.reason_id = pm.reason_id) DESC, t.tag`,
			mapTbl("petitioned_mappings", serviceID), tbl("service_tag_ids", serviceID), tbl("service_hash_ids", serviceID), mapTbl("petitioned_mappings", serviceID))
	}

	rows, err := q.QueryContext(ctx, query, accountID, reasonID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var (
		out      []TagHashes
		rowCount int
	)
	for rows.Next() {
		if !deadline.IsZero() && rowCount%1024 == 0 && time.Now().After(deadline) {
			break
		}

		var (
			tag    string
			algo   string
			digest []byte
		)
		if err := rows.Scan(&tag, &algo, &digest); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}

		if len(out) == 0 || out[len(out)-1].Tag != tag {
			if len(out) >= maxTags {
				break
			}
			out = append(out, TagHashes{Tag: tag})
		}
		last := &out[len(out)-1]
		last.Hashes = append(last.Hashes, types.Hash{Algorithm: types.HashAlgorithm(algo), Digest: digest})

		rowCount++
		if rowCount >= maxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}

// TagPairText is one tag-pair petition row resolved to text.
type TagPairText struct {
	A string
	B string
}

// PairPetitionRows materializes one (account, reason) tag-pair petition.
func (s *Store) PairPetitionRows(ctx context.Context, q db.Querier, serviceID int64, kind types.ContentKind, status types.PetitionStatus, accountID, reasonID int64) ([]TagPairText, error) {
	spec := parentSpec
	if kind == types.ContentTagSiblings {
		spec = siblingSpec
	}

	var query string
	if status == types.StatusPending {
		query = fmt.Sprintf(`
			SELECT ta.tag, tb.tag FROM %s p
			JOIN external_master.tags ta ON ta.master_tag_id = p.%s
			JOIN external_master.tags tb ON tb.master_tag_id = p.%s
			WHERE p.account_id = ? AND p.reason_id = ?
			ORDER BY ta.tag, tb.tag`,
			tbl(spec.pending, serviceID), spec.pColA, spec.pColB)
	} else {
		query = fmt.Sprintf(`
			SELECT ta.tag, tb.tag FROM %s p
			JOIN %s sa ON sa.service_tag_id = p.%s
			JOIN external_master.tags ta ON ta.master_tag_id = sa.master_tag_id
			JOIN %s sb ON sb.service_tag_id = p.%s
			JOIN external_master.tags tb ON tb.master_tag_id = sb.master_tag_id
			WHERE p.account_id = ? AND p.reason_id = ?
			ORDER BY ta.tag, tb.tag`,
			tbl(spec.petitioned, serviceID), tbl("service_tag_ids", serviceID), spec.colA, tbl("service_tag_ids", serviceID), spec.colB)
	}

	rows, err := q.QueryContext(ctx, query, accountID, reasonID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []TagPairText
	for rows.Next() {
		var p TagPairText
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
