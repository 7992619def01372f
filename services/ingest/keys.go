package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiqa/server/pkg/cache"
)

// DefaultRole is assigned to keys that do not name a role.
const DefaultRole = "standard"

// KeyFile is the YAML document listing API keys for MemoryKeyStore.
//
//	keys:
//	  - organisation: acme
//	    role: admin
//	    hash: 9f86d081884c7d65...
//	  - organisation: local-dev
//	    key: dev-secret   # plaintext, hashed on load
type KeyFile struct {
	Keys []KeyEntry `yaml:"keys" json:"keys"`
}

// KeyEntry is one API key. Exactly one of Hash or Key must be set.
type KeyEntry struct {
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	Organisation string `yaml:"organisation" json:"organisation"`
	Role         string `yaml:"role,omitempty" json:"role,omitempty"`
	Hash         string `yaml:"hash,omitempty" json:"hash,omitempty"`
	Key          string `yaml:"key,omitempty" json:"key,omitempty"`
}

// MemoryKeyStore is an in-memory KeyStore.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // hash -> key
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

// LoadKeyFile reads a YAML key file into a new MemoryKeyStore.
func LoadKeyFile(path string) (*MemoryKeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParseKeyFile(data)
}

// ParseKeyFile parses YAML key file contents into a new MemoryKeyStore.
func ParseKeyFile(data []byte) (*MemoryKeyStore, error) {
	var file KeyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	store := NewMemoryKeyStore()
	for i, entry := range file.Keys {
		if entry.Organisation == "" {
			return nil, fmt.Errorf("key %d: organisation is required", i)
		}
		hash := strings.ToLower(strings.TrimSpace(entry.Hash))
		switch {
		case hash != "" && entry.Key != "":
			return nil, fmt.Errorf("key %d: set either hash or key, not both", i)
		case entry.Key != "":
			hash = HashKey(entry.Key)
		case len(hash) != 64:
			return nil, fmt.Errorf("key %d: hash must be a 64 character sha256 hex digest", i)
		}
		store.Add(&APIKey{
			Hash:         hash,
			Organisation: entry.Organisation,
			Role:         entry.Role,
			Name:         entry.Name,
		})
	}
	return store, nil
}

// Add registers key under its hash, replacing any previous entry.
func (s *MemoryKeyStore) Add(key *APIKey) {
	k := *key
	if k.Role == "" {
		k.Role = DefaultRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.Hash] = &k
}

// AddPlaintext hashes key and registers it for organisation.
func (s *MemoryKeyStore) AddPlaintext(key, organisation, role string) {
	s.Add(&APIKey{Hash: HashKey(key), Organisation: organisation, Role: role})
}

// Len returns the number of registered keys.
func (s *MemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *MemoryKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[hash]
	if !ok {
		return nil, nil
	}
	k := *key
	return &k, nil
}

// PostgresKeyStore resolves API keys from the api_keys table.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore creates a new PostgreSQL-backed key store.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := APIKey{Hash: hash}
	err := s.db.QueryRowContext(ctx, `
		SELECT organisation, role, name FROM api_keys
		WHERE hash = $1 AND revoked_at IS NULL
	`, hash).Scan(&key.Organisation, &key.Role, &key.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &key, nil
}

// CachedKeyStore fronts another KeyStore with a Redis cache. Only keys that
// exist are cached, so a new key works at once; a revoked key stays valid
// until its entry expires.
type CachedKeyStore struct {
	next  KeyStore
	cache *cache.CacheAside[APIKey]
}

// NewCachedKeyStore caches lookups against next in client for ttl.
func NewCachedKeyStore(next KeyStore, client *cache.Client, ttl time.Duration, logger *slog.Logger) *CachedKeyStore {
	return &CachedKeyStore{
		next: next,
		cache: cache.NewCacheAside[APIKey](client, ttl).
			WithKeyFunc(func(hash string) string { return "apikey:" + hash }).
			WithLogger(logger),
	}
}

func (s *CachedKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, found, err := s.cache.Get(ctx, hash, func(ctx context.Context) (APIKey, bool, error) {
		k, err := s.next.GetAPIKeyByHash(ctx, hash)
		if err != nil || k == nil {
			return APIKey{}, false, err
		}
		return *k, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &key, nil
}

// Invalidate drops the cached entry for hash.
func (s *CachedKeyStore) Invalidate(ctx context.Context, hash string) error {
	return s.cache.Invalidate(ctx, hash)
}
