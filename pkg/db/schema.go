package db

import (
	"context"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/herr"
)

// globalSchema holds every table that is not per-service. Per-service tables
// (current/deleted/pending/petitioned rows, hash/tag id maps, updates) are
// created when a service is added; see pkg/repo.
var globalSchema = []string{
	// master definition store (external_master)
	`CREATE TABLE IF NOT EXISTS external_master.hashes (
		master_hash_id INTEGER PRIMARY KEY,
		algorithm TEXT NOT NULL,
		hash BLOB NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS external_master.tags (
		master_tag_id INTEGER PRIMARY KEY,
		tag TEXT NOT NULL UNIQUE
	)`,

	// service registry
	`CREATE TABLE IF NOT EXISTS services (
		service_id INTEGER PRIMARY KEY,
		service_key BLOB NOT NULL UNIQUE,
		service_type TEXT NOT NULL,
		name TEXT NOT NULL,
		port INTEGER NOT NULL,
		options TEXT NOT NULL
	)`,

	// accounts
	`CREATE TABLE IF NOT EXISTS account_types (
		account_type_id INTEGER PRIMARY KEY,
		service_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		permissions TEXT NOT NULL,
		bandwidth_rules TEXT NOT NULL,
		auto_create_count INTEGER NOT NULL DEFAULT 0,
		auto_create_period_seconds INTEGER NOT NULL DEFAULT 0,
		is_null_type INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id INTEGER PRIMARY KEY,
		account_key BLOB NOT NULL UNIQUE,
		service_id INTEGER NOT NULL,
		account_type_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		hashed_access_key BLOB NOT NULL UNIQUE,
		banned_reason TEXT,
		banned_at INTEGER,
		banned_until INTEGER,
		message TEXT NOT NULL DEFAULT '',
		petition_score INTEGER NOT NULL DEFAULT 0,
		bandwidth TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_service_idx ON accounts (service_id)`,
	`CREATE TABLE IF NOT EXISTS registration_keys (
		service_id INTEGER NOT NULL,
		hashed_registration_key BLOB NOT NULL,
		account_type_id INTEGER NOT NULL,
		account_key BLOB NOT NULL UNIQUE,
		access_key BLOB NOT NULL UNIQUE,
		expires_at INTEGER,
		PRIMARY KEY (service_id, hashed_registration_key)
	)`,

	// sessions, rehydrated at boot
	`CREATE TABLE IF NOT EXISTS sessions (
		session_key BLOB PRIMARY KEY,
		service_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,

	// file metadata, master-scoped and shared across services
	`CREATE TABLE IF NOT EXISTS files_info (
		master_hash_id INTEGER PRIMARY KEY,
		size INTEGER NOT NULL,
		mime TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		num_frames INTEGER NOT NULL DEFAULT 0,
		num_words INTEGER NOT NULL DEFAULT 0
	)`,

	// interned petition reasons
	`CREATE TABLE IF NOT EXISTS reasons (
		reason_id INTEGER PRIMARY KEY,
		reason TEXT NOT NULL UNIQUE
	)`,

	// precomputed per-service aggregate counters
	`CREATE TABLE IF NOT EXISTS service_info (
		service_id INTEGER NOT NULL,
		info_type TEXT NOT NULL,
		info_value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (service_id, info_type)
	)`,

	// update bundle metadata
	`CREATE TABLE IF NOT EXISTS update_metadata (
		service_id INTEGER NOT NULL,
		update_index INTEGER NOT NULL,
		begin_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		PRIMARY KEY (service_id, update_index)
	)`,
	`CREATE TABLE IF NOT EXISTS update_hashes (
		service_id INTEGER NOT NULL,
		update_index INTEGER NOT NULL,
		master_hash_id INTEGER NOT NULL,
		PRIMARY KEY (service_id, update_index, master_hash_id)
	)`,
	`CREATE TABLE IF NOT EXISTS update_schedule (
		service_id INTEGER PRIMARY KEY,
		next_update_due_at INTEGER NOT NULL,
		next_nullification_update_index INTEGER NOT NULL DEFAULT 0
	)`,

	// deferred physical deletion queues
	`CREATE TABLE IF NOT EXISTS deferred_physical_file_deletes (
		master_hash_id INTEGER PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS deferred_physical_thumbnail_deletes (
		master_hash_id INTEGER PRIMARY KEY
	)`,
}

// InitSchema creates every global table. Idempotent; run once at boot after
// the auxiliary databases are attached.
func InitSchema(ctx context.Context, q Querier) error {
	for _, stmt := range globalSchema {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return herr.Wrap(herr.Internal, fmt.Errorf("creating schema: %w", err))
		}
	}
	return nil
}
