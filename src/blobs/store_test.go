package blobs

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"driftdb/src/dberr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, encKey []byte) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "Attachments"), encKey, nil)
	require.NoError(t, err)
	return s
}

func TestKeyStringRoundTrip(t *testing.T) {
	key := ComputeKey([]byte("hello blob"))
	str := key.String()
	require.True(t, strings.HasPrefix(str, DigestPrefix))
	assert.Len(t, str, len(DigestPrefix)+2*sha256.Size)

	parsed, err := ParseKey(str)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseKeyRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{
		"",
		"md5-abcdef",
		DigestPrefix + "nothex!!",
		DigestPrefix + "abcd", // too short
		DigestPrefix + strings.Repeat("ab", sha256.Size+1),
	} {
		_, err := ParseKey(bad)
		require.Error(t, err, "input %q", bad)
		assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, nil)

	content := []byte("attachment body")
	key, err := s.Put(content)
	require.NoError(t, err)
	assert.Equal(t, ComputeKey(content), key)
	assert.True(t, s.Has(key))
	assert.EqualValues(t, len(content), s.SizeOf(key))

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Re-putting identical content is a no-op on the same key.
	again, err := s.Put(content)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestPutStream(t *testing.T) {
	s := openTestStore(t, nil)
	content := []byte("streamed content")

	key, n, err := s.PutStream(bytes.NewReader(content))
	require.NoError(t, err)
	assert.EqualValues(t, len(content), n)
	assert.Equal(t, ComputeKey(content), key)
}

func TestGetMissingBlob(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.Get(ComputeKey([]byte("absent")))
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
	assert.False(t, s.Has(ComputeKey([]byte("absent"))))
	assert.EqualValues(t, -1, s.SizeOf(ComputeKey([]byte("absent"))))
}

func TestGetDetectsTamperedContent(t *testing.T) {
	s := openTestStore(t, nil)
	key, err := s.Put([]byte("original"))
	require.NoError(t, err)

	// Overwrite the file with different bytes under the same digest name.
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), entries[0].Name()), []byte("tampered"), 0644))

	_, err = s.Get(key)
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.CorruptRevisionData))
}

func TestDeleteAllExcept(t *testing.T) {
	s := openTestStore(t, nil)

	keep1, err := s.Put([]byte("keep one"))
	require.NoError(t, err)
	keep2, err := s.Put([]byte("keep two"))
	require.NoError(t, err)
	drop, err := s.Put([]byte("orphan"))
	require.NoError(t, err)

	removed, err := s.DeleteAllExcept(map[Key]struct{}{keep1: {}, keep2: {}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, s.Has(keep1))
	assert.True(t, s.Has(keep2))
	assert.False(t, s.Has(drop))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t, nil)
	key, err := s.Put([]byte("short lived"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(key))
	require.NoError(t, s.Delete(key))
}

func TestEncryptedStore(t *testing.T) {
	encKey := make([]byte, 32)
	for i := range encKey {
		encKey[i] = byte(i)
	}
	s := openTestStore(t, encKey)

	content := []byte("sealed attachment")
	key, err := s.Put(content)
	require.NoError(t, err)

	// The ciphertext on disk is longer than the plaintext and never
	// contains it.
	assert.Greater(t, s.SizeOf(key), int64(len(content)))
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(s.Dir(), entries[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(content))

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// A store opened over the same directory with the wrong key cannot
	// decrypt.
	wrongKey := make([]byte, 32)
	wrong, err := OpenStore(s.Dir(), wrongKey, nil)
	require.NoError(t, err)
	_, err = wrong.Get(key)
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.WrongFormat))
}

func TestOpenStoreRejectsBadKeyLength(t *testing.T) {
	_, err := OpenStore(filepath.Join(t.TempDir(), "Attachments"), []byte("short"), nil)
	require.Error(t, err)
	assert.True(t, dberr.IsCode(err, dberr.InvalidParameter))
}

func TestCopyRekeyedTo(t *testing.T) {
	encKey := make([]byte, 32)
	encKey[0] = 7
	src := openTestStore(t, encKey)

	k1, err := src.Put([]byte("blob a"))
	require.NoError(t, err)
	k2, err := src.Put([]byte("blob b"))
	require.NoError(t, err)

	dst := openTestStore(t, nil)
	require.NoError(t, src.CopyRekeyedTo(dst))

	for _, k := range []Key{k1, k2} {
		got, err := dst.Get(k)
		require.NoError(t, err)
		srcGot, err := src.Get(k)
		require.NoError(t, err)
		assert.Equal(t, srcGot, got)
	}
}

func TestKeysSkipsForeignFiles(t *testing.T) {
	s := openTestStore(t, nil)
	key, err := s.Put([]byte("real"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "short.blob"), []byte("x"), 0644))

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestDeleteStore(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.Put([]byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, DeleteStore(s.Dir()))
	_, statErr := os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(statErr))
}
