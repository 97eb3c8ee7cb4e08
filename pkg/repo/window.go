package repo

import (
	"context"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Window queries feed the update bundler: everything that became current or
// deleted in (begin, end], and every definition first sighted in [begin,
// end]. Timestamps are unix seconds.

// HashDefinition pairs a service hash id with its digest.
type HashDefinition struct {
	ServiceHashID int64
	Hash          types.Hash
}

// TagDefinition pairs a service tag id with its normalized text.
type TagDefinition struct {
	ServiceTagID int64
	Tag          string
}

// HashDefinitionsInWindow lists hash definitions stamped within [begin, end].
func (s *Store) HashDefinitionsInWindow(ctx context.Context, q db.Querier, serviceID, begin, end int64) ([]HashDefinition, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT sh.service_hash_id, h.algorithm, h.hash FROM %s sh
		JOIN external_master.hashes h ON h.master_hash_id = sh.master_hash_id
		WHERE sh.hash_id_timestamp BETWEEN ? AND ?
		ORDER BY sh.service_hash_id`, tbl("service_hash_ids", serviceID)),
		begin, end)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []HashDefinition
	for rows.Next() {
		var (
			d    HashDefinition
			algo string
		)
		if err := rows.Scan(&d.ServiceHashID, &algo, &d.Hash.Digest); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		d.Hash.Algorithm = types.HashAlgorithm(algo)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}

// TagDefinitionsInWindow lists tag definitions stamped within [begin, end].
func (s *Store) TagDefinitionsInWindow(ctx context.Context, q db.Querier, serviceID, begin, end int64) ([]TagDefinition, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT st.service_tag_id, t.tag FROM %s st
		JOIN external_master.tags t ON t.master_tag_id = st.master_tag_id
		WHERE st.tag_id_timestamp BETWEEN ? AND ?
		ORDER BY st.service_tag_id`, tbl("service_tag_ids", serviceID)),
		begin, end)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []TagDefinition
	for rows.Next() {
		var d TagDefinition
		if err := rows.Scan(&d.ServiceTagID, &d.Tag); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}

// FileRow is one current or deleted file row with its metadata, as packed
// into a content bundle.
type FileRow struct {
	ServiceHashID int64
	Size          int64
	Mime          string
	Width         int64
	Height        int64
	DurationMS    int64
	NumFrames     int64
	NumWords      int64
}

// CurrentFilesInWindow lists file rows committed in (begin, end].
func (s *Store) CurrentFilesInWindow(ctx context.Context, q db.Querier, serviceID, begin, end int64) ([]FileRow, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT cf.service_hash_id, fi.size, fi.mime, fi.width, fi.height, fi.duration_ms, fi.num_frames, fi.num_words
		FROM %s cf
		JOIN %s sh ON sh.service_hash_id = cf.service_hash_id
		JOIN files_info fi ON fi.master_hash_id = sh.master_hash_id
		WHERE cf.file_timestamp > ? AND cf.file_timestamp <= ?
		ORDER BY cf.service_hash_id`,
		tbl("current_files", serviceID), tbl("service_hash_ids", serviceID)),
		begin, end)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var f FileRow
		if err := rows.Scan(&f.ServiceHashID, &f.Size, &f.Mime, &f.Width, &f.Height, &f.DurationMS, &f.NumFrames, &f.NumWords); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	return out, nil
}

// DeletedFileIDsInWindow lists service hash ids whose deletion committed in
// (begin, end].
func (s *Store) DeletedFileIDsInWindow(ctx context.Context, q db.Querier, serviceID, begin, end int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT service_hash_id FROM %s WHERE file_timestamp > ? AND file_timestamp <= ? ORDER BY service_hash_id`,
			tbl("deleted_files", serviceID)),
		begin, end)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// MappingsInWindow lists (service_tag_id -> [service_hash_id...]) groupings
// committed in (begin, end] from the named table ("current_mappings" or
// "deleted_mappings"). Ordered by tag id; hashes ordered within each tag.
func (s *Store) MappingsInWindow(ctx context.Context, q db.Querier, table string, serviceID, begin, end int64) (map[int64][]int64, []int64, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT service_tag_id, service_hash_id FROM %s
			WHERE mapping_timestamp > ? AND mapping_timestamp <= ?
			ORDER BY service_tag_id, service_hash_id`, mapTbl(table, serviceID)),
		begin, end)
	if err != nil {
		return nil, nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	byTag := make(map[int64][]int64)
	var tagOrder []int64
	for rows.Next() {
		var tagID, hashID int64
		if err := rows.Scan(&tagID, &hashID); err != nil {
			return nil, nil, herr.Wrap(herr.Internal, err)
		}
		if _, seen := byTag[tagID]; !seen {
			tagOrder = append(tagOrder, tagID)
		}
		byTag[tagID] = append(byTag[tagID], hashID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, herr.Wrap(herr.Internal, err)
	}
	return byTag, tagOrder, nil
}

// PairRow is one tag-pair row in service-id terms.
type PairRow struct {
	A int64
	B int64
}

// PairsInWindow lists tag-pair rows committed in (begin, end] from the named
// per-service table (current/deleted tag parents/siblings).
func (s *Store) PairsInWindow(ctx context.Context, q db.Querier, kind types.ContentKind, table string, serviceID, begin, end int64) ([]PairRow, error) {
	spec := parentSpec
	if kind == types.ContentTagSiblings {
		spec = siblingSpec
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s > ? AND %s <= ? ORDER BY %s, %s`,
			spec.colA, spec.colB, tbl(table, serviceID), pairTimestampCol(spec), pairTimestampCol(spec), spec.colA, spec.colB),
		begin, end)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	var out []PairRow
	for rows.Next() {
		var p PairRow
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

// CountCurrentByAccount counts the account's current rows per content
// kind, for the moderator account-info view.
func (s *Store) CountCurrentByAccount(ctx context.Context, q db.Querier, serviceID, accountID int64) (map[types.ContentKind]int64, error) {
	tables := map[types.ContentKind]string{
		types.ContentFiles:       tbl("current_files", serviceID),
		types.ContentMappings:    mapTbl("current_mappings", serviceID),
		types.ContentTagParents:  tbl("current_tag_parents", serviceID),
		types.ContentTagSiblings: tbl("current_tag_siblings", serviceID),
	}

	out := make(map[types.ContentKind]int64, len(tables))
	for kind, table := range tables {
		var n int64
		if err := q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE account_id = ?`, table), accountID).Scan(&n); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
		out[kind] = n
	}
	return out, nil
}

// NullifyWindow rewrites account_id to nullAccountID on every current and
// deleted row whose commit timestamp falls in [begin, end], across all four
// content kinds. Returns the number of rows rewritten.
func (s *Store) NullifyWindow(ctx context.Context, q db.Querier, serviceID, nullAccountID, begin, end int64) (int64, error) {
	stmts := []string{
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE file_timestamp BETWEEN ? AND ? AND account_id != ?`, tbl("current_files", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE file_timestamp BETWEEN ? AND ? AND account_id != ?`, tbl("deleted_files", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE mapping_timestamp BETWEEN ? AND ? AND account_id != ?`, mapTbl("current_mappings", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE mapping_timestamp BETWEEN ? AND ? AND account_id != ?`, mapTbl("deleted_mappings", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE parent_timestamp BETWEEN ? AND ? AND account_id != ?`, tbl("current_tag_parents", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE parent_timestamp BETWEEN ? AND ? AND account_id != ?`, tbl("deleted_tag_parents", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE sibling_timestamp BETWEEN ? AND ? AND account_id != ?`, tbl("current_tag_siblings", serviceID)),
		fmt.Sprintf(`UPDATE %s SET account_id = ? WHERE sibling_timestamp BETWEEN ? AND ? AND account_id != ?`, tbl("deleted_tag_siblings", serviceID)),
	}

	var total int64
	for _, stmt := range stmts {
		res, err := q.ExecContext(ctx, stmt, nullAccountID, begin, end, nullAccountID)
		if err != nil {
			return total, herr.Wrap(herr.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, herr.Wrap(herr.Internal, err)
		}
		total += n
	}
	return total, nil
}
