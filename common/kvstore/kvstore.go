// Copyright 2024 The CatalogDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = CF("default")

	RocksdbLsmKVType = LsmKVType("rocksdb")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF        string
	LsmKVType string

	Store interface {
		NewSnapshot() Snapshot
		NewReadOption() ReadOption
		NewWriteBatch() WriteBatch
		CreateColumn(col CF) error
		GetAllColumns() []CF
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		FlushCF(ctx context.Context, col CF) error
		Close()
	}

	ListReader interface {
		ReadNext() (key []byte, value []byte, err error)
		SeekTo(key []byte)
		Close()
	}

	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapshot(snap Snapshot)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Option struct {
		Sync            bool
		DisableWal      bool
		ColumnFamily    []CF `json:"column_family"`
		CreateIfMissing bool
		BlockCache      uint64
		MaxOpenFiles    int
		WriteBufferSize int
	}
)

func (c CF) String() string {
	return string(c)
}

func NewKVStore(ctx context.Context, path string, kvType LsmKVType, opt *Option) (Store, error) {
	switch kvType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, opt)
	case MemKVType:
		return NewMemStore(opt.ColumnFamily...), nil
	default:
		return nil, ErrKVTypeNotFound
	}
}
