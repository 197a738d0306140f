package kvstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStore_Basic(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(CF("test"))

	require.NoError(t, s.SetRaw(ctx, "test", []byte("k1"), []byte("v1")))

	value, err := s.GetRaw(ctx, "test", []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	// overwrite
	require.NoError(t, s.SetRaw(ctx, "test", []byte("k1"), []byte("v2")))
	value, err = s.GetRaw(ctx, "test", []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	require.NoError(t, s.Delete(ctx, "test", []byte("k1")))
	_, err = s.GetRaw(ctx, "test", []byte("k1"), nil)
	require.Equal(t, ErrNotFound, err)

	// deleting a missing key is fine
	require.NoError(t, s.Delete(ctx, "test", []byte("missing")))
}

func TestMemStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(CF("test"))

	for i := 9; i >= 0; i-- {
		key := []byte(fmt.Sprintf("p/%02d", i))
		require.NoError(t, s.SetRaw(ctx, "test", key, []byte{byte(i)}))
	}
	require.NoError(t, s.SetRaw(ctx, "test", []byte("q/00"), []byte("other")))

	// prefix scan returns sorted order and stops at the prefix boundary
	lr := s.List(ctx, "test", []byte("p/"), nil, nil)
	defer lr.Close()
	for i := 0; i < 10; i++ {
		key, value, err := lr.ReadNext()
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("p/%02d", i)), key)
		require.Equal(t, []byte{byte(i)}, value)
	}
	key, _, err := lr.ReadNext()
	require.NoError(t, err)
	require.Nil(t, key)

	// marker starts mid-range
	lr = s.List(ctx, "test", []byte("p/"), []byte("p/07"), nil)
	defer lr.Close()
	key, _, err = lr.ReadNext()
	require.NoError(t, err)
	require.Equal(t, []byte("p/07"), key)

	// SeekTo repositions within the copied range
	lr = s.List(ctx, "test", []byte("p/"), nil, nil)
	defer lr.Close()
	lr.SeekTo([]byte("p/05"))
	key, _, err = lr.ReadNext()
	require.NoError(t, err)
	require.Equal(t, []byte("p/05"), key)
}

func TestMemStore_ListIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(CF("test"))

	require.NoError(t, s.SetRaw(ctx, "test", []byte("a"), []byte("1")))

	lr := s.List(ctx, "test", nil, nil, nil)
	defer lr.Close()

	// writes after the List call are invisible to the reader
	require.NoError(t, s.SetRaw(ctx, "test", []byte("b"), []byte("2")))

	key, _, err := lr.ReadNext()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)
	key, _, err = lr.ReadNext()
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestMemStore_WriteBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(CF("a"), CF("b"))

	batch := s.NewWriteBatch()
	batch.Put("a", []byte("k1"), []byte("v1"))
	batch.Put("b", []byte("k2"), []byte("v2"))
	batch.Delete("a", []byte("k0"))
	require.Equal(t, 3, batch.Count())
	require.NoError(t, s.Write(ctx, batch))
	batch.Close()

	value, err := s.GetRaw(ctx, "a", []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)
	value, err = s.GetRaw(ctx, "b", []byte("k2"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

func TestMemStore_DeleteRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(CF("test"))

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.SetRaw(ctx, "test", []byte(k), []byte(k)))
	}

	batch := s.NewWriteBatch()
	batch.DeleteRange("test", []byte("b"), []byte("d"))
	require.NoError(t, s.Write(ctx, batch))
	batch.Close()

	_, err := s.GetRaw(ctx, "test", []byte("a"), nil)
	require.NoError(t, err)
	_, err = s.GetRaw(ctx, "test", []byte("b"), nil)
	require.Equal(t, ErrNotFound, err)
	_, err = s.GetRaw(ctx, "test", []byte("c"), nil)
	require.Equal(t, ErrNotFound, err)
	_, err = s.GetRaw(ctx, "test", []byte("d"), nil)
	require.NoError(t, err)
}

func TestNewKVStore_Types(t *testing.T) {
	ctx := context.Background()

	s, err := NewKVStore(ctx, t.TempDir(), MemKVType, &Option{})
	require.NoError(t, err)
	s.Close()

	_, err = NewKVStore(ctx, t.TempDir(), LsmKVType("bogus"), &Option{})
	require.Equal(t, ErrKVTypeNotFound, err)
}
