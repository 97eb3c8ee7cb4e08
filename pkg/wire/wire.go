// Package wire defines the typed, versioned serializations that cross the
// engine's boundary: update bundles (definitions and content), the
// client-to-server submission bundle, and the envelope framing them. Bundle
// bytes are stable; the SHA-256 of the encoded envelope is the bundle's
// identity.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// PayloadKind is the envelope's type tag.
type PayloadKind uint8

const (
	KindDefinitionsUpdate    PayloadKind = 1
	KindContentUpdate        PayloadKind = 2
	KindClientToServerUpdate PayloadKind = 3
	KindPetition             PayloadKind = 4
)

// Current payload versions. Bumping a version gets a decode shim in Decode,
// never ad-hoc constructor dispatch.
const (
	DefinitionsUpdateVersion    = 1
	ContentUpdateVersion        = 1
	ClientToServerUpdateVersion = 1
	PetitionVersion             = 1
)

var magic = [2]byte{'H', 'Y'}

// Encode frames a payload: 2 magic bytes, type tag, version, 4-byte
// big-endian length, then the JSON body. Struct field order makes the
// bytes stable for a given payload value.
func Encode(kind PayloadKind, version uint8, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(byte(kind))
	buf.WriteByte(version)
	var lenB [4]byte
	binary.BigEndian.PutUint32(lenB[:], uint32(len(body)))
	buf.Write(lenB[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode unwraps an envelope, returning the type tag, version, and raw JSON
// body for the caller to unmarshal into the matching variant.
func Decode(b []byte) (PayloadKind, uint8, []byte, error) {
	if len(b) < 8 || b[0] != magic[0] || b[1] != magic[1] {
		return 0, 0, nil, herr.New(herr.BadRequest, "not a valid payload envelope")
	}
	kind := PayloadKind(b[2])
	version := b[3]
	bodyLen := binary.BigEndian.Uint32(b[4:8])
	if uint32(len(b)-8) != bodyLen {
		return 0, 0, nil, herr.Newf(herr.BadRequest, "payload length mismatch: header says %d, body is %d", bodyLen, len(b)-8)
	}
	return kind, version, b[8:], nil
}

// Digest is the content address of an encoded bundle.
func Digest(b []byte) types.Hash {
	d := sha256.Sum256(b)
	return types.Hash{Algorithm: types.HashAlgoSHA256, Digest: d[:]}
}

// IDHash is one (service hash id, digest) definition row.
type IDHash struct {
	ID        int64  `json:"id"`
	Algorithm string `json:"algo"`
	Hash      []byte `json:"hash"`
}

// IDTag is one (service tag id, tag) definition row.
type IDTag struct {
	ID  int64  `json:"id"`
	Tag string `json:"tag"`
}

// DefinitionsUpdate publishes the id assignments a service made in one
// window.
type DefinitionsUpdate struct {
	Hashes []IDHash `json:"hashes,omitempty"`
	Tags   []IDTag  `json:"tags,omitempty"`
}

// RowCount is the chunking measure for definition bundles.
func (u *DefinitionsUpdate) RowCount() int {
	return len(u.Hashes) + len(u.Tags)
}

// FileRecord is one added file with its metadata, in service-id terms.
type FileRecord struct {
	ServiceHashID int64  `json:"id"`
	Size          int64  `json:"size"`
	Mime          string `json:"mime"`
	Width         int64  `json:"width,omitempty"`
	Height        int64  `json:"height,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	NumFrames     int64  `json:"num_frames,omitempty"`
	NumWords      int64  `json:"num_words,omitempty"`
}

// TagIDHashIDs groups one tag's hash ids.
type TagIDHashIDs struct {
	TagID   int64   `json:"tag_id"`
	HashIDs []int64 `json:"hash_ids"`
}

// IDPair is a tag-pair row in service-id terms: (child, parent) for
// parents, (bad, good) for siblings.
type IDPair struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// ContentUpdate publishes the row changes a service committed in one
// window.
type ContentUpdate struct {
	FilesAdded      []FileRecord   `json:"files_added,omitempty"`
	FilesDeleted    []int64        `json:"files_deleted,omitempty"`
	MappingsAdded   []TagIDHashIDs `json:"mappings_added,omitempty"`
	MappingsDeleted []TagIDHashIDs `json:"mappings_deleted,omitempty"`
	ParentsAdded    []IDPair       `json:"parents_added,omitempty"`
	ParentsDeleted  []IDPair       `json:"parents_deleted,omitempty"`
	SiblingsAdded   []IDPair       `json:"siblings_added,omitempty"`
	SiblingsDeleted []IDPair       `json:"siblings_deleted,omitempty"`
}

// RowCount is the chunking measure for content bundles: one row per file,
// per mapping pair, per tag pair.
func (u *ContentUpdate) RowCount() int {
	n := len(u.FilesAdded) + len(u.FilesDeleted) + len(u.ParentsAdded) + len(u.ParentsDeleted) + len(u.SiblingsAdded) + len(u.SiblingsDeleted)
	for _, m := range u.MappingsAdded {
		n += len(m.HashIDs)
	}
	for _, m := range u.MappingsDeleted {
		n += len(m.HashIDs)
	}
	return n
}

// Content is one master-scoped content atom in a client submission or a
// petition: a set of hashes, a tag with hashes, or a tag pair.
type Content struct {
	Kind types.ContentKind `json:"kind"`

	Hashes []IDHash `json:"hashes,omitempty"` // files; ID unused on submission
	Tag    string   `json:"tag,omitempty"`    // mappings
	TagA   string   `json:"tag_a,omitempty"`  // child / bad
	TagB   string   `json:"tag_b,omitempty"`  // parent / good

	File *FileRecord `json:"file,omitempty"` // metadata on direct file adds
}

// Action is one verb of a client submission.
type Action struct {
	Action types.PetitionAction `json:"action"` // pend or petition
	Reason string               `json:"reason,omitempty"`
	Rows   []Content            `json:"rows"`
}

// ClientToServerUpdate is the bundle a client submits: pends and petitions,
// resolved later by a moderator. Accounts with create/moderate get their
// pends applied directly by the engine instead.
type ClientToServerUpdate struct {
	Actions []Action `json:"actions"`
}

// EncodeDefinitions frames a definitions bundle at the current version.
func EncodeDefinitions(u *DefinitionsUpdate) ([]byte, error) {
	return Encode(KindDefinitionsUpdate, DefinitionsUpdateVersion, u)
}

// EncodeContent frames a content bundle at the current version.
func EncodeContent(u *ContentUpdate) ([]byte, error) {
	return Encode(KindContentUpdate, ContentUpdateVersion, u)
}

// EncodeClientUpdate frames a client submission at the current version.
func EncodeClientUpdate(u *ClientToServerUpdate) ([]byte, error) {
	return Encode(KindClientToServerUpdate, ClientToServerUpdateVersion, u)
}

// DecodeDefinitions unwraps and unmarshals a definitions bundle.
func DecodeDefinitions(b []byte) (*DefinitionsUpdate, error) {
	body, err := decodeExpect(b, KindDefinitionsUpdate, DefinitionsUpdateVersion)
	if err != nil {
		return nil, err
	}
	u := &DefinitionsUpdate{}
	if err := json.Unmarshal(body, u); err != nil {
		return nil, herr.Wrap(herr.BadRequest, err)
	}
	return u, nil
}

// DecodeContent unwraps and unmarshals a content bundle.
func DecodeContent(b []byte) (*ContentUpdate, error) {
	body, err := decodeExpect(b, KindContentUpdate, ContentUpdateVersion)
	if err != nil {
		return nil, err
	}
	u := &ContentUpdate{}
	if err := json.Unmarshal(body, u); err != nil {
		return nil, herr.Wrap(herr.BadRequest, err)
	}
	return u, nil
}

// DecodeClientUpdate unwraps and unmarshals a client submission.
func DecodeClientUpdate(b []byte) (*ClientToServerUpdate, error) {
	body, err := decodeExpect(b, KindClientToServerUpdate, ClientToServerUpdateVersion)
	if err != nil {
		return nil, err
	}
	u := &ClientToServerUpdate{}
	if err := json.Unmarshal(body, u); err != nil {
		return nil, herr.Wrap(herr.BadRequest, err)
	}
	return u, nil
}

func decodeExpect(b []byte, wantKind PayloadKind, maxVersion uint8) ([]byte, error) {
	kind, version, body, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if kind != wantKind {
		return nil, herr.Newf(herr.BadRequest, "expected payload kind %d, got %d", wantKind, kind)
	}
	if version == 0 || version > maxVersion {
		return nil, herr.Newf(herr.BadRequest, "unsupported payload version %d", version)
	}
	return body, nil
}

// String renders a payload kind for logs.
func (k PayloadKind) String() string {
	switch k {
	case KindDefinitionsUpdate:
		return "definitions_update"
	case KindContentUpdate:
		return "content_update"
	case KindClientToServerUpdate:
		return "client_to_server_update"
	case KindPetition:
		return "petition"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}
