// Package repo owns the per-service repository tables: the current, deleted,
// pending, and petitioned rows for files, mappings, tag parents, and tag
// siblings, plus the per-service id maps, the precomputed service_info
// counters, and the deferred physical-delete queues.
//
// Every mutating method is designed to run inside one serializer
// transaction; a method never commits or opens its own.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/master"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Store carries the master-definition store it derives ids through. It holds
// no mutable state of its own. Broker, when set, is notified after blobs are
// queued for deferred deletion so the reaper wakes promptly.
type Store struct {
	Master *master.Store
	Broker *events.Broker
}

// NewStore returns a repository-table store over the given master store.
func NewStore(m *master.Store) *Store {
	return &Store{Master: m}
}

// Table name helpers. Per-service tables are suffixed with the service id;
// mapping tables live in the attached external_mappings database.

func tbl(name string, serviceID int64) string {
	return fmt.Sprintf("%s_%d", name, serviceID)
}

func mapTbl(name string, serviceID int64) string {
	return fmt.Sprintf("external_mappings.%s_%d", name, serviceID)
}

// perServiceSchema returns the CREATE TABLE statements for one service's
// tables.
func perServiceSchema(serviceID int64) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_hash_id INTEGER PRIMARY KEY,
			master_hash_id INTEGER NOT NULL UNIQUE,
			hash_id_timestamp INTEGER NOT NULL
		)`, tbl("service_hash_ids", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_tag_id INTEGER PRIMARY KEY,
			master_tag_id INTEGER NOT NULL UNIQUE,
			tag_id_timestamp INTEGER NOT NULL
		)`, tbl("service_tag_ids", serviceID)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_hash_id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			file_timestamp INTEGER NOT NULL
		)`, tbl("current_files", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_hash_id INTEGER PRIMARY KEY,
			account_id INTEGER NOT NULL,
			file_timestamp INTEGER NOT NULL
		)`, tbl("deleted_files", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			master_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (master_hash_id, account_id)
		)`, tbl("pending_files", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (service_hash_id, account_id)
		)`, tbl("petitioned_files", serviceID)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_tag_id INTEGER NOT NULL,
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			mapping_timestamp INTEGER NOT NULL,
			PRIMARY KEY (service_tag_id, service_hash_id)
		)`, mapTbl("current_mappings", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_tag_id INTEGER NOT NULL,
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			mapping_timestamp INTEGER NOT NULL,
			PRIMARY KEY (service_tag_id, service_hash_id)
		)`, mapTbl("deleted_mappings", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			master_tag_id INTEGER NOT NULL,
			master_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (master_tag_id, master_hash_id, account_id)
		)`, mapTbl("pending_mappings", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_tag_id INTEGER NOT NULL,
			service_hash_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (service_tag_id, service_hash_id, account_id)
		)`, mapTbl("petitioned_mappings", serviceID)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			child_service_tag_id INTEGER NOT NULL,
			parent_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			parent_timestamp INTEGER NOT NULL,
			PRIMARY KEY (child_service_tag_id, parent_service_tag_id)
		)`, tbl("current_tag_parents", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			child_service_tag_id INTEGER NOT NULL,
			parent_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			parent_timestamp INTEGER NOT NULL,
			PRIMARY KEY (child_service_tag_id, parent_service_tag_id)
		)`, tbl("deleted_tag_parents", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			child_master_tag_id INTEGER NOT NULL,
			parent_master_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (child_master_tag_id, parent_master_tag_id, account_id)
		)`, tbl("pending_tag_parents", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			child_service_tag_id INTEGER NOT NULL,
			parent_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (child_service_tag_id, parent_service_tag_id, account_id)
		)`, tbl("petitioned_tag_parents", serviceID)),

		// bad_service_tag_id is the primary key: a bad tag maps to at most
		// one good tag at a time.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bad_service_tag_id INTEGER PRIMARY KEY,
			good_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			sibling_timestamp INTEGER NOT NULL
		)`, tbl("current_tag_siblings", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bad_service_tag_id INTEGER NOT NULL,
			good_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			sibling_timestamp INTEGER NOT NULL,
			PRIMARY KEY (bad_service_tag_id, good_service_tag_id)
		)`, tbl("deleted_tag_siblings", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bad_master_tag_id INTEGER NOT NULL,
			good_master_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (bad_master_tag_id, good_master_tag_id, account_id)
		)`, tbl("pending_tag_siblings", serviceID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bad_service_tag_id INTEGER NOT NULL,
			good_service_tag_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			reason_id INTEGER NOT NULL,
			PRIMARY KEY (bad_service_tag_id, good_service_tag_id, account_id)
		)`, tbl("petitioned_tag_siblings", serviceID)),
	}
}

// CreateServiceTables provisions every table a new repository service owns.
func (s *Store) CreateServiceTables(ctx context.Context, q db.Querier, serviceID int64) error {
	for _, stmt := range perServiceSchema(serviceID) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return herr.Wrap(herr.Internal, fmt.Errorf("provisioning service %d: %w", serviceID, err))
		}
	}
	return nil
}

// ServiceHashID returns the per-service id for a master hash id, inserting a
// fresh mapping stamped with t if the service has never seen the hash.
func (s *Store) ServiceHashID(ctx context.Context, q db.Querier, serviceID, masterHashID, t int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT service_hash_id FROM %s WHERE master_hash_id = ?`, tbl("service_hash_ids", serviceID)),
		masterHashID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Wrap(herr.Internal, err)
	}

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (master_hash_id, hash_id_timestamp) VALUES (?, ?)`, tbl("service_hash_ids", serviceID)),
		masterHashID, t)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// MasterHashID resolves a service hash id back to its master id.
func (s *Store) MasterHashID(ctx context.Context, q db.Querier, serviceID, serviceHashID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT master_hash_id FROM %s WHERE service_hash_id = ?`, tbl("service_hash_ids", serviceID)),
		serviceHashID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Newf(herr.NotFound, "service %d has no hash id %d", serviceID, serviceHashID)
	}
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// ServiceTagID returns the per-service id for a master tag id, inserting a
// fresh mapping stamped with t on first sighting.
func (s *Store) ServiceTagID(ctx context.Context, q db.Querier, serviceID, masterTagID, t int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT service_tag_id FROM %s WHERE master_tag_id = ?`, tbl("service_tag_ids", serviceID)),
		masterTagID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Wrap(herr.Internal, err)
	}

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (master_tag_id, tag_id_timestamp) VALUES (?, ?)`, tbl("service_tag_ids", serviceID)),
		masterTagID, t)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// MasterTagID resolves a service tag id back to its master id.
func (s *Store) MasterTagID(ctx context.Context, q db.Querier, serviceID, serviceTagID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT master_tag_id FROM %s WHERE service_tag_id = ?`, tbl("service_tag_ids", serviceID)),
		serviceTagID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Newf(herr.NotFound, "service %d has no tag id %d", serviceID, serviceTagID)
	}
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// ReasonID interns a free-text petition reason and returns its id.
func (s *Store) ReasonID(ctx context.Context, q db.Querier, reason string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT reason_id FROM reasons WHERE reason = ?`, reason).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Wrap(herr.Internal, err)
	}

	res, err := q.ExecContext(ctx, `INSERT INTO reasons (reason) VALUES (?)`, reason)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// Reason returns the interned text for a reason id.
func (s *Store) Reason(ctx context.Context, q db.Querier, id int64) (string, error) {
	var reason string
	err := q.QueryRowContext(ctx, `SELECT reason FROM reasons WHERE reason_id = ?`, id).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", herr.Newf(herr.NotFound, "no reason %d", id)
	}
	if err != nil {
		return "", herr.Wrap(herr.Internal, err)
	}
	return reason, nil
}

// UpdateServiceInfo applies a signed delta to one precomputed counter,
// creating the row at the delta if absent.
func (s *Store) UpdateServiceInfo(ctx context.Context, q db.Querier, serviceID int64, counter types.ServiceInfoCounter, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO service_info (service_id, info_type, info_value) VALUES (?, ?, ?)
		ON CONFLICT (service_id, info_type) DO UPDATE SET info_value = info_value + ?`,
		serviceID, string(counter), delta, delta)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	return nil
}

// ServiceInfo reads one counter, zero if never written.
func (s *Store) ServiceInfo(ctx context.Context, q db.Querier, serviceID int64, counter types.ServiceInfoCounter) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx,
		`SELECT info_value FROM service_info WHERE service_id = ? AND info_type = ?`,
		serviceID, string(counter)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return v, nil
}

// RegenerateServiceInfo recomputes every counter for the service from full
// table scans, replacing whatever the incremental deltas have accumulated.
// Exposed as a maintenance RPC.
func (s *Store) RegenerateServiceInfo(ctx context.Context, q db.Querier, serviceID int64) error {
	counts := map[types.ServiceInfoCounter]string{
		types.NumFiles:                 tbl("current_files", serviceID),
		types.NumDeletedFiles:          tbl("deleted_files", serviceID),
		types.NumPendingFiles:          tbl("pending_files", serviceID),
		types.NumPetitionedFiles:       tbl("petitioned_files", serviceID),
		types.NumMappings:              mapTbl("current_mappings", serviceID),
		types.NumDeletedMappings:       mapTbl("deleted_mappings", serviceID),
		types.NumPendingMappings:       mapTbl("pending_mappings", serviceID),
		types.NumPetitionedMappings:    mapTbl("petitioned_mappings", serviceID),
		types.NumTagParents:            tbl("current_tag_parents", serviceID),
		types.NumDeletedTagParents:     tbl("deleted_tag_parents", serviceID),
		types.NumPendingTagParents:     tbl("pending_tag_parents", serviceID),
		types.NumPetitionedTagParents:  tbl("petitioned_tag_parents", serviceID),
		types.NumTagSiblings:           tbl("current_tag_siblings", serviceID),
		types.NumDeletedTagSiblings:    tbl("deleted_tag_siblings", serviceID),
		types.NumPendingTagSiblings:    tbl("pending_tag_siblings", serviceID),
		types.NumPetitionedTagSiblings: tbl("petitioned_tag_siblings", serviceID),
	}

	for counter, table := range counts {
		var n int64
		if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO service_info (service_id, info_type, info_value) VALUES (?, ?, ?)
			ON CONFLICT (service_id, info_type) DO UPDATE SET info_value = ?`,
			serviceID, string(counter), n, n)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
	}
	return nil
}
