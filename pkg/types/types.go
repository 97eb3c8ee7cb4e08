// Package types holds the domain identifiers and small value types shared
// across every Hydrus package: keys, hashes, service/content-kind enums, and
// the row shapes that make up a repository's current/deleted/pending/
// petitioned tables. Larger aggregates (accounts, petitions, bundles) live in
// the packages that own their lifecycle.
package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// KeySize is the byte length of a Key: services, accounts, registration
// credentials, update blobs, and session tokens all use a 32-byte random
// identifier.
const KeySize = 32

// Key is a 32-byte random identifier, hex-encoded at the edges (HTTP
// headers, file names) and carried as raw bytes internally.
type Key [KeySize]byte

// IsZero reports whether the key was never assigned.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Hex returns the lowercase hex encoding used at the wire and in logs.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// KeyFromHex parses a hex-encoded key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key %q", s)
	}
	copy(k[:], b)
	return k, nil
}

// HashAlgorithm names the digest family a Hash belongs to. Hydrus refuses to
// guess an algorithm from digest length alone; every Hash is tagged
// explicitly.
type HashAlgorithm string

const (
	HashAlgoMD5    HashAlgorithm = "md5"
	HashAlgoSHA1   HashAlgorithm = "sha1"
	HashAlgoSHA256 HashAlgorithm = "sha256"
	HashAlgoSHA512 HashAlgorithm = "sha512"
)

// ByteLen returns the digest length in bytes for the algorithm, or 0 if
// unknown.
func (a HashAlgorithm) ByteLen() int {
	switch a {
	case HashAlgoMD5:
		return 16
	case HashAlgoSHA1:
		return 20
	case HashAlgoSHA256:
		return 32
	case HashAlgoSHA512:
		return 64
	default:
		return 0
	}
}

// Hash is an opaque content digest, carried as raw bytes alongside the
// algorithm that produced it.
type Hash struct {
	Algorithm HashAlgorithm
	Digest    []byte
}

// Hex returns the lowercase hex encoding of the digest, the form used for
// blob-store file names and wire identifiers.
func (h Hash) Hex() string {
	return hex.EncodeToString(h.Digest)
}

// ServiceType enumerates the kinds of service Hydrus hosts.
type ServiceType string

const (
	ServiceAdmin    ServiceType = "admin"
	ServiceFileRepo ServiceType = "file_repo"
	ServiceTagRepo  ServiceType = "tag_repo"
)

// ContentKind enumerates the repository content kinds a service owns tables
// for. Not every ContentKind applies to every ServiceType: a tag repository
// has no file tables, and the admin service has none of these at all.
type ContentKind string

const (
	ContentFiles       ContentKind = "files"
	ContentMappings    ContentKind = "mappings"
	ContentTagParents  ContentKind = "tag_parents"
	ContentTagSiblings ContentKind = "tag_siblings"
)

// PermissionAction enumerates what an account type may do to a content kind.
type PermissionAction string

const (
	ActionPetition PermissionAction = "petition"
	ActionCreate   PermissionAction = "create"
	ActionModerate PermissionAction = "moderate"
)

// RowAction distinguishes an additive update from a removal. The wire format
// and the petition engine do not use it; they carry PetitionAction instead.
type RowAction string

const (
	RowAdd    RowAction = "add"
	RowDelete RowAction = "delete"
)

// PetitionAction distinguishes a pend (request to add) from a petition
// (request to delete).
type PetitionAction string

const (
	PetitionPend     PetitionAction = "pend"
	PetitionPetition PetitionAction = "petition"
)

// PetitionStatus is which table a petition header's rows live in.
type PetitionStatus string

const (
	StatusPending    PetitionStatus = "pending"
	StatusPetitioned PetitionStatus = "petitioned"
)

// ServiceInfoCounter names one of the precomputed per-service aggregate
// counters maintained incrementally by every mutation and regeneratable
// from scratch by a full table scan.
type ServiceInfoCounter string

const (
	NumFiles              ServiceInfoCounter = "num_files"
	NumDeletedFiles       ServiceInfoCounter = "num_deleted_files"
	NumMappings           ServiceInfoCounter = "num_mappings"
	NumDeletedMappings    ServiceInfoCounter = "num_deleted_mappings"
	NumTagParents         ServiceInfoCounter = "num_tag_parents"
	NumTagSiblings        ServiceInfoCounter = "num_tag_siblings"
	NumPendingMappings    ServiceInfoCounter = "num_pending_mappings"
	NumPetitionedMappings ServiceInfoCounter = "num_petitioned_mappings"
	NumPendingFiles       ServiceInfoCounter = "num_pending_files"
	NumPetitionedFiles    ServiceInfoCounter = "num_petitioned_files"

	NumDeletedTagParents     ServiceInfoCounter = "num_deleted_tag_parents"
	NumDeletedTagSiblings    ServiceInfoCounter = "num_deleted_tag_siblings"
	NumPendingTagParents     ServiceInfoCounter = "num_pending_tag_parents"
	NumPetitionedTagParents  ServiceInfoCounter = "num_petitioned_tag_parents"
	NumPendingTagSiblings    ServiceInfoCounter = "num_pending_tag_siblings"
	NumPetitionedTagSiblings ServiceInfoCounter = "num_petitioned_tag_siblings"
)

// BanInfo records why and for how long an account is banned. A nil
// ExpiresAt means the ban never lifts.
type BanInfo struct {
	Reason    string
	BannedAt  time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the ban no longer applies at t; a nil ban counts
// as expired.
func (b *BanInfo) Expired(t time.Time) bool {
	if b == nil {
		return true
	}
	if b.ExpiresAt == nil {
		return false
	}
	return t.After(*b.ExpiresAt)
}
