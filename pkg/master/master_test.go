package master

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	hdb "github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dir := t.TempDir()
	conn, err := sql.Open("sqlite", filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Exec(`ATTACH DATABASE ? AS external_master`, filepath.Join(dir, "server.master.db"))
	require.NoError(t, err)
	require.NoError(t, hdb.InitSchema(context.Background(), conn))
	return conn
}

func sha(b string) types.Hash {
	d := sha256.Sum256([]byte(b))
	return types.Hash{Algorithm: types.HashAlgoSHA256, Digest: d[:]}
}

func TestHashID_StableAcrossCalls(t *testing.T) {
	conn := openTestDB(t)
	s := NewStore()
	ctx := context.Background()

	id1, err := s.HashID(ctx, conn, sha("one"))
	require.NoError(t, err)
	id2, err := s.HashID(ctx, conn, sha("two"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	again, err := s.HashID(ctx, conn, sha("one"))
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	back, err := s.Hash(ctx, conn, id1)
	require.NoError(t, err)
	assert.Equal(t, sha("one").Digest, back.Digest)
	assert.Equal(t, types.HashAlgoSHA256, back.Algorithm)
}

func TestHashID_RejectsAmbiguousLength(t *testing.T) {
	conn := openTestDB(t)
	s := NewStore()
	ctx := context.Background()

	// A 32-byte digest tagged sha512 is a length mismatch, and an untagged
	// digest is never guessed at by length.
	d := sha("x").Digest

	_, err := s.HashID(ctx, conn, types.Hash{Algorithm: types.HashAlgoSHA512, Digest: d})
	require.Error(t, err)
	assert.Equal(t, herr.BadRequest, herr.KindOf(err))

	_, err = s.HashID(ctx, conn, types.Hash{Digest: d})
	require.Error(t, err)
	assert.Equal(t, herr.BadRequest, herr.KindOf(err))
}

func TestTagID_NormalizesBeforeLookup(t *testing.T) {
	conn := openTestDB(t)
	s := NewStore()
	ctx := context.Background()

	id1, err := s.TagID(ctx, conn, "  Blue   Sky ")
	require.NoError(t, err)
	id2, err := s.TagID(ctx, conn, "blue sky")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	tag, err := s.Tag(ctx, conn, id1)
	require.NoError(t, err)
	assert.Equal(t, "blue sky", tag)
}

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "simple", in: "tree", want: "tree"},
		{name: "casefold", in: "TREE", want: "tree"},
		{name: "trim", in: "  tree  ", want: "tree"},
		{name: "collapse whitespace", in: "big\t old   tree", want: "big old tree"},
		{name: "strip control", in: "tr\x00ee", want: "tree"},
		{name: "strip format codepoints", in: "tr​ee", want: "tree"},
		{name: "namespace", in: "Species:Oak", want: "species:oak"},
		{name: "explicit unnamespaced", in: ":oak", want: "oak"},
		{name: "empty", in: "   ", wantErr: true},
		{name: "empty subtag", in: "species:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTag(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, herr.BadRequest, herr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
