package auth

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new password hashes.
const (
	hashTime    = 1
	hashMemory  = 64 * 1024
	hashThreads = 4
	hashKeyLen  = 32
	saltLen     = 16
)

// PasswordHash holds a salted argon2id digest plus the parameters it was
// derived with, so verification survives parameter changes.
type PasswordHash struct {
	Method  string `bson:"method"`
	Salt    []byte `bson:"salt"`
	Hash    []byte `bson:"hash"`
	Time    uint32 `bson:"time"`
	Memory  uint32 `bson:"memory"`
	Threads uint8  `bson:"threads"`
	KeyLen  uint32 `bson:"keyLen"`
}

// NewPasswordHash derives a hash for a plaintext password.
func NewPasswordHash(password string) (*PasswordHash, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, hashTime, hashMemory, hashThreads, hashKeyLen)
	return &PasswordHash{
		Method:  "argon2id",
		Salt:    salt,
		Hash:    hash,
		Time:    hashTime,
		Memory:  hashMemory,
		Threads: hashThreads,
		KeyLen:  hashKeyLen,
	}, nil
}

// Verify re-derives the hash with the stored parameters and compares in
// constant time.
func (p *PasswordHash) Verify(password string) bool {
	hash := argon2.IDKey([]byte(password), p.Salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return slowEqual(hash, p.Hash)
}

// slowEqual compares byte slices without early exit so timing reveals
// nothing about the first differing byte.
func slowEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}

// CredentialStore is an in-memory username to password-hash registry used
// by listener auth callbacks.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]*PasswordHash
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{users: make(map[string]*PasswordHash)}
}

// SetPassword adds or replaces a user's credential.
func (s *CredentialStore) SetPassword(username, password string) error {
	hash, err := NewPasswordHash(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	return nil
}

// RemoveUser deletes a user's credential.
func (s *CredentialStore) RemoveUser(username string) {
	s.mu.Lock()
	delete(s.users, username)
	s.mu.Unlock()
}

// VerifyCredentials checks a username/password pair.
func (s *CredentialStore) VerifyCredentials(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return hash.Verify(password)
}
