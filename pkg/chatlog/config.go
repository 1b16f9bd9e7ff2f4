package chatlog

import (
	"context"
	"fmt"
)

// Backend type names accepted in Config.Store.
const (
	StoreMemory    = "memory"
	StoreFile      = "file"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"
)

// Config holds chat log configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "file", "redis", "firestore", "sqlite"
	// Default: "memory"
	Store string `yaml:"store"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.quantchat/chats
	BaseDir string `yaml:"base_dir"`

	// SQLitePath is the database file for the sqlite store.
	SQLitePath string `yaml:"sqlite_path"`

	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// DefaultConfig returns the default chat log configuration.
func DefaultConfig() Config {
	return Config{
		Store: StoreMemory,
		Firestore: FirestoreConfig{
			AppID: DefaultAppID,
		},
	}
}

// NewBackend constructs the backend selected by cfg.Store.
func NewBackend(ctx context.Context, cfg Config) (StorageBackend, error) {
	switch cfg.Store {
	case "", StoreMemory:
		return NewMemoryBackend(), nil
	case StoreFile:
		return NewFileBackend(cfg.BaseDir)
	case StoreRedis:
		return NewRedisBackend(cfg.Redis)
	case StoreFirestore:
		return NewFirestoreBackend(ctx, cfg.Firestore)
	case StoreSQLite:
		return NewSQLiteBackend(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown chat log store %q", cfg.Store)
	}
}
