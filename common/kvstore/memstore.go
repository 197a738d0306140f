package kvstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

const MemKVType = LsmKVType("memory")

// memStore keeps every column family in a sorted slice guarded by one
// RWMutex. It backs tests and single-process tooling; durability comes from
// the rocksdb store.
type memStore struct {
	cols map[CF]*memColumn
	lock sync.RWMutex
}

type memColumn struct {
	keys   [][]byte
	values [][]byte
}

func NewMemStore(cfs ...CF) Store {
	s := &memStore{cols: map[CF]*memColumn{defaultCF: {}}}
	for _, cf := range cfs {
		s.cols[cf] = &memColumn{}
	}
	return s
}

func (c *memColumn) search(key []byte) (int, bool) {
	i := sort.Search(len(c.keys), func(i int) bool { return bytes.Compare(c.keys[i], key) >= 0 })
	return i, i < len(c.keys) && bytes.Equal(c.keys[i], key)
}

func (c *memColumn) put(key, value []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	i, ok := c.search(key)
	if ok {
		c.values[i] = v
		return
	}
	c.keys = append(c.keys, nil)
	c.values = append(c.values, nil)
	copy(c.keys[i+1:], c.keys[i:])
	copy(c.values[i+1:], c.values[i:])
	c.keys[i] = k
	c.values[i] = v
}

func (c *memColumn) delete(key []byte) {
	i, ok := c.search(key)
	if !ok {
		return
	}
	c.keys = append(c.keys[:i], c.keys[i+1:]...)
	c.values = append(c.values[:i], c.values[i+1:]...)
}

func (s *memStore) column(col CF) *memColumn {
	if col == "" {
		col = defaultCF
	}
	c := s.cols[col]
	if c == nil {
		c = &memColumn{}
		s.cols[col] = c
	}
	return c
}

func (s *memStore) NewSnapshot() Snapshot     { return memSnapshot{} }
func (s *memStore) NewReadOption() ReadOption { return &memReadOption{} }

func (s *memStore) NewWriteBatch() WriteBatch {
	return &memWriteBatch{s: s}
}

func (s *memStore) CreateColumn(col CF) error {
	s.lock.Lock()
	s.column(col)
	s.lock.Unlock()
	return nil
}

func (s *memStore) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cols {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *memStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	c := s.column(col)
	i, ok := c.search(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), c.values[i]...), nil
}

func (s *memStore) SetRaw(ctx context.Context, col CF, key, value []byte) error {
	s.lock.Lock()
	s.column(col).put(key, value)
	s.lock.Unlock()
	return nil
}

func (s *memStore) Delete(ctx context.Context, col CF, key []byte) error {
	s.lock.Lock()
	s.column(col).delete(key)
	s.lock.Unlock()
	return nil
}

func (s *memStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	s.lock.RLock()
	defer s.lock.RUnlock()

	// copy the matching range so the reader never observes later writes
	c := s.column(col)
	start := prefix
	if len(marker) > 0 {
		start = marker
	}
	i := 0
	if start != nil {
		i, _ = c.search(start)
	}
	lr := &memListReader{}
	for ; i < len(c.keys); i++ {
		if prefix != nil && !bytes.HasPrefix(c.keys[i], prefix) {
			break
		}
		lr.keys = append(lr.keys, append([]byte(nil), c.keys[i]...))
		lr.values = append(lr.values, append([]byte(nil), c.values[i]...))
	}
	return lr
}

func (s *memStore) Write(ctx context.Context, batch WriteBatch) error {
	b := batch.(*memWriteBatch)
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, op := range b.ops {
		c := s.column(op.col)
		switch {
		case op.isRange:
			for {
				i, _ := c.search(op.key)
				if i >= len(c.keys) || bytes.Compare(c.keys[i], op.end) >= 0 {
					break
				}
				c.keys = append(c.keys[:i], c.keys[i+1:]...)
				c.values = append(c.values[:i], c.values[i+1:]...)
			}
		case op.isDelete:
			c.delete(op.key)
		default:
			c.put(op.key, op.value)
		}
	}
	return nil
}

func (s *memStore) FlushCF(ctx context.Context, col CF) error { return nil }
func (s *memStore) Close()                                    {}

type memSnapshot struct{}

func (memSnapshot) Close() {}

type memReadOption struct{}

func (*memReadOption) SetSnapshot(snap Snapshot) {}
func (*memReadOption) Close()                    {}

type memListReader struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (lr *memListReader) ReadNext() (key []byte, value []byte, err error) {
	if lr.pos >= len(lr.keys) {
		return nil, nil, nil
	}
	key, value = lr.keys[lr.pos], lr.values[lr.pos]
	lr.pos++
	return key, value, nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.pos = sort.Search(len(lr.keys), func(i int) bool { return bytes.Compare(lr.keys[i], key) >= 0 })
}

func (lr *memListReader) Close() {}

type memBatchOp struct {
	col      CF
	key      []byte
	value    []byte
	end      []byte
	isDelete bool
	isRange  bool
}

type memWriteBatch struct {
	s   *memStore
	ops []memBatchOp
}

func (w *memWriteBatch) Put(col CF, key, value []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (w *memWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: append([]byte(nil), key...), isDelete: true})
}

func (w *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, memBatchOp{
		col: col, key: append([]byte(nil), startKey...),
		end: append([]byte(nil), endKey...), isRange: true, isDelete: true,
	})
}

func (w *memWriteBatch) Count() int { return len(w.ops) }
func (w *memWriteBatch) Close()     {}
