package store

import (
	"context"

	"github.com/scidatahub/catalogdb/common/kvstore"
)

type Config struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

type Store struct {
	kvStore kvstore.Store
	cfg     *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.KVType == "" {
		cfg.KVType = kvstore.RocksdbLsmKVType
	}
	// wal stays on: commit application must survive a crash without replaying
	// past the persisted apply watermark
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}

	return &Store{kvStore: kvStore, cfg: cfg}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) Close() {
	s.kvStore.Close()
}
