// Package master implements the master definition store: stable numeric ids
// for content hashes and tags, shared across every service. Ids are
// allocated on first sighting and never reused.
package master

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Store reads and writes the hashes and tags tables. It is stateless; every
// method takes the Querier it should run against, so calls compose into a
// single serializer transaction.
type Store struct{}

// NewStore returns a master definition store.
func NewStore() *Store { return &Store{} }

// HashID returns the master id for the given digest, inserting a fresh row
// on first sighting. The algorithm must be supplied explicitly and must
// match the digest length; the store never infers an algorithm from length
// alone.
func (s *Store) HashID(ctx context.Context, q db.Querier, h types.Hash) (int64, error) {
	if h.Algorithm.ByteLen() == 0 {
		return 0, herr.Newf(herr.BadRequest, "unknown hash algorithm %q", h.Algorithm)
	}
	if len(h.Digest) != h.Algorithm.ByteLen() {
		return 0, herr.Newf(herr.BadRequest, "%s digest must be %d bytes, got %d", h.Algorithm, h.Algorithm.ByteLen(), len(h.Digest))
	}

	var id int64
	err := q.QueryRowContext(ctx, `SELECT master_hash_id FROM external_master.hashes WHERE hash = ?`, h.Digest).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, herr.Wrap(herr.Internal, err)
	}

	res, err := q.ExecContext(ctx, `INSERT INTO external_master.hashes (algorithm, hash) VALUES (?, ?)`, string(h.Algorithm), h.Digest)
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, herr.Wrap(herr.Internal, err)
	}
	return id, nil
}

// Hash returns the digest and algorithm for a master hash id.
func (s *Store) Hash(ctx context.Context, q db.Querier, id int64) (types.Hash, error) {
	var algo string
	var digest []byte
	err := q.QueryRowContext(ctx, `SELECT algorithm, hash FROM external_master.hashes WHERE master_hash_id = ?`, id).Scan(&algo, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Hash{}, herr.Newf(herr.NotFound, "no hash with master id %d", id)
	}
	if err != nil {
		return types.Hash{}, herr.Wrap(herr.Internal, err)
	}
	return types.Hash{Algorithm: types.HashAlgorithm(algo), Digest: digest}, nil
}

// TagID normalizes tag and returns its master id, inserting a fresh row on
// first sighting.
func (s *Store) TagID(ctx context.Context, q db.Querier, tag string) (int64, error) {
	norm, err := NormalizeTag(tag)
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := q.QueryRowContext(ctx, `SELECT master_tag_id FROM external_master.tags WHERE tag = ?`, norm).Scan(&id)
	if scanErr == nil {
		return id, nil
	}
	if !errors.Is(scanErr, sql.ErrNoRows) {
		return 0, herr.Wrap(herr.Internal, scanErr)
	}

	res, err2 := q.ExecContext(ctx, `INSERT INTO external_master.tags (tag) VALUES (?)`, norm)
	if err2 != nil {
		return 0, herr.Wrap(herr.Internal, err2)
	}
	id, err2 = res.LastInsertId()
	if err2 != nil {
		return 0, herr.Wrap(herr.Internal, err2)
	}
	return id, nil
}

// Tag returns the normalized tag text for a master tag id.
func (s *Store) Tag(ctx context.Context, q db.Querier, id int64) (string, error) {
	var tag string
	err := q.QueryRowContext(ctx, `SELECT tag FROM external_master.tags WHERE master_tag_id = ?`, id).Scan(&tag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", herr.Newf(herr.NotFound, "no tag with master id %d", id)
	}
	if err != nil {
		return "", herr.Wrap(herr.Internal, err)
	}
	return tag, nil
}

// NormalizeTag canonicalizes a tag before lookup: trim, casefold, strip
// control and format codepoints, collapse internal whitespace runs, and
// validate the namespace separator. The tag is split at its first colon
// into "namespace:subtag"; the subtag may not be empty, while an empty
// namespace (":subtag") yields the plain unnamespaced subtag.
func NormalizeTag(tag string) (string, error) {
	var b strings.Builder
	for _, r := range tag {
		if unicode.IsControl(r) || unicode.In(r, unicode.Cf) {
			continue
		}
		b.WriteRune(r)
	}

	cleaned := strings.ToLower(strings.TrimSpace(b.String()))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if cleaned == "" {
		return "", herr.New(herr.BadRequest, "tag is empty after normalization")
	}

	if ns, sub, found := strings.Cut(cleaned, ":"); found {
		ns = strings.TrimSpace(ns)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			return "", herr.Newf(herr.BadRequest, "tag %q has an empty subtag", tag)
		}
		if ns == "" {
			// ":tag" is the explicit unnamespaced form; the colon is dropped.
			return sub, nil
		}
		return ns + ":" + sub, nil
	}

	return cleaned, nil
}
