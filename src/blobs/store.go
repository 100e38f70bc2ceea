package blobs

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"driftdb/src/dberr"
	"driftdb/src/helpers"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// DigestPrefix starts every blob key.
const DigestPrefix = "sha256-"

const blobFileExtension = ".blob"

// Key identifies a blob by the SHA-256 digest of its plaintext content.
type Key struct {
	digest [sha256.Size]byte
}

// ComputeKey derives the key for a blob's content.
func ComputeKey(content []byte) Key {
	return Key{digest: sha256.Sum256(content)}
}

// ParseKey parses a "sha256-<hex>" digest string.
func ParseKey(s string) (Key, error) {
	if !strings.HasPrefix(s, DigestPrefix) {
		return Key{}, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"blob key %q does not start with %q", s, DigestPrefix)
	}
	raw, err := hex.DecodeString(s[len(DigestPrefix):])
	if err != nil || len(raw) != sha256.Size {
		return Key{}, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"blob key %q has a malformed digest", s)
	}
	var k Key
	copy(k.digest[:], raw)
	return k, nil
}

func (k Key) String() string {
	return DigestPrefix + hex.EncodeToString(k.digest[:])
}

func (k Key) filename() string {
	return hex.EncodeToString(k.digest[:]) + blobFileExtension
}

// Store is a content-addressed blob directory. Each blob lives in its own
// file named by its digest; content is immutable once written.
type Store struct {
	mu     sync.RWMutex
	dir    string
	encKey []byte
	logger *zap.SugaredLogger
}

// OpenStore opens (or creates) a blob directory. A 32-byte key encrypts
// each blob file with XChaCha20-Poly1305.
func OpenStore(dir string, encKey []byte, logger *zap.SugaredLogger) (*Store, error) {
	if encKey != nil && len(encKey) != 32 {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"blob encryption key must be 32 bytes, got %d", len(encKey))
	}
	if err := helpers.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("cannot create blob directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{dir: dir, encKey: encKey, logger: logger}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) pathFor(key Key) string {
	return filepath.Join(s.dir, key.filename())
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	if s.encKey == nil {
		return plain, nil
	}
	aead, err := chacha20poly1305.NewX(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build blob cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate blob nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plain, nil)...), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if s.encKey == nil {
		return sealed, nil
	}
	aead, err := chacha20poly1305.NewX(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build blob cipher: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, dberr.New(dberr.LiteDomain, dberr.WrongFormat, "blob file truncated")
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, dberr.New(dberr.LiteDomain, dberr.WrongFormat,
			"cannot decrypt blob with the configured key")
	}
	return plain, nil
}

// Put stores content and returns its key. Writing content that already
// exists is a no-op.
func (s *Store) Put(content []byte) (Key, error) {
	key := ComputeKey(content)
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(key)
	if helpers.FileExists(path) {
		return key, nil
	}

	sealed, err := s.seal(content)
	if err != nil {
		return Key{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0644); err != nil {
		return Key{}, fmt.Errorf("error writing blob file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Key{}, fmt.Errorf("error placing blob file %s: %w", path, err)
	}
	return key, nil
}

// PutStream stores content read from r.
func (s *Store) PutStream(r io.Reader) (Key, int64, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Key{}, 0, fmt.Errorf("error reading blob content: %w", err)
	}
	key, err := s.Put(content)
	return key, int64(len(content)), err
}

// Get returns a blob's content, verifying it against the key's digest.
func (s *Store) Get(key Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sealed, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
				"no blob with key %s", key)
		}
		return nil, fmt.Errorf("error reading blob file: %w", err)
	}
	content, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	if ComputeKey(content) != key {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.CorruptRevisionData,
			"blob %s content does not match its digest", key)
	}
	return content, nil
}

// Has reports whether a blob exists without reading it.
func (s *Store) Has(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return helpers.FileExists(s.pathFor(key))
}

// SizeOf returns a blob's on-disk length, or -1 when it does not exist.
// With encryption enabled this is larger than the plaintext length.
func (s *Store) SizeOf(key Key) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := os.Stat(s.pathFor(key))
	if err != nil {
		return -1
	}
	return info.Size()
}

// Delete removes one blob.
func (s *Store) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting blob file: %w", err)
	}
	return nil
}

// Keys returns every blob key in the store, sorted.
func (s *Store) Keys() ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("error listing blob directory %s: %w", s.dir, err)
	}
	var out []Key
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobFileExtension) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, blobFileExtension))
		if err != nil || len(raw) != sha256.Size {
			continue
		}
		var k Key
		copy(k.digest[:], raw)
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// DeleteAllExcept removes every blob whose key is not in keep. Returns the
// number of blobs removed.
func (s *Store) DeleteAllExcept(keep map[Key]struct{}) (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs error
	for _, key := range keys {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := s.Delete(key); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// CopyRekeyedTo re-encrypts every blob into dst, which may use a different
// key or none. Used during database rekeying; dst must be empty.
func (s *Store) CopyRekeyedTo(dst *Store) error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		content, err := s.Get(key)
		if err != nil {
			return err
		}
		if _, err := dst.Put(content); err != nil {
			return err
		}
	}
	return nil
}

// DeleteStore removes a blob directory and everything in it.
func DeleteStore(dir string) error {
	return helpers.RemoveDirRecursive(dir)
}
