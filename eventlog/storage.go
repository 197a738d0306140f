package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

const CF = kvstore.CF("eventlog")

var (
	eventKeyPrefix    = []byte("e")
	seqKeyPrefix      = []byte("s")
	consumerKeyPrefix = []byte("c")
	keyInfix          = []byte("/")
)

type storage struct {
	kvStore kvstore.Store
}

func newStorage(kv *store.Store) *storage {
	return &storage{kvStore: kv.KVStore()}
}

func (s *storage) PutEvent(batch kvstore.WriteBatch, ev *proto.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	batch.Put(CF, encodeEventKey(ev.Project, ev.Seq), data)
	seqRaw := make([]byte, 8)
	binary.BigEndian.PutUint64(seqRaw, ev.Seq)
	batch.Put(CF, encodeSeqKey(ev.Project), seqRaw)
	return nil
}

// ListEvents streams committed events of one project with Seq > after to
// the visit callback until it returns false.
func (s *storage) ListEvents(ctx context.Context, project proto.ID, after proto.Sequence, visit func(*proto.Event) bool) error {
	marker := encodeEventKey(project, after+1)
	lr := s.kvStore.List(ctx, CF, encodeEventKeyPrefix(project), marker, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		ev := &proto.Event{}
		if err := json.Unmarshal(value, ev); err != nil {
			return err
		}
		if !visit(ev) {
			return nil
		}
	}
}

func (s *storage) LoadSeqs(ctx context.Context) (map[proto.ID]proto.Sequence, error) {
	ret := make(map[proto.ID]proto.Sequence)
	lr := s.kvStore.List(ctx, CF, encodeKeyPrefix(seqKeyPrefix), nil, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return ret, nil
		}
		var project proto.ID
		copy(project[:], key[len(seqKeyPrefix)+len(keyInfix):])
		ret[project] = binary.BigEndian.Uint64(value)
	}
}

func (s *storage) PutConsumer(ctx context.Context, info *proto.ConsumerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, CF, encodeConsumerKey(info.ID), data)
}

func (s *storage) PutConsumerBatch(batch kvstore.WriteBatch, info *proto.ConsumerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	batch.Put(CF, encodeConsumerKey(info.ID), data)
	return nil
}

func (s *storage) DeleteConsumerBatch(batch kvstore.WriteBatch, id proto.ID) {
	batch.Delete(CF, encodeConsumerKey(id))
}

func (s *storage) ListConsumers(ctx context.Context) (ret []*proto.ConsumerInfo, err error) {
	lr := s.kvStore.List(ctx, CF, encodeKeyPrefix(consumerKeyPrefix), nil, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return ret, nil
		}
		info := &proto.ConsumerInfo{}
		if err := json.Unmarshal(value, info); err != nil {
			return nil, err
		}
		ret = append(ret, info)
	}
}

func encodeEventKey(project proto.ID, seq proto.Sequence) []byte {
	ret := make([]byte, 0, len(eventKeyPrefix)+len(keyInfix)+16+8)
	ret = append(ret, eventKeyPrefix...)
	ret = append(ret, keyInfix...)
	ret = append(ret, project[:]...)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seq)
	return append(ret, raw[:]...)
}

func encodeEventKeyPrefix(project proto.ID) []byte {
	ret := make([]byte, 0, len(eventKeyPrefix)+len(keyInfix)+16)
	ret = append(ret, eventKeyPrefix...)
	ret = append(ret, keyInfix...)
	return append(ret, project[:]...)
}

func encodeSeqKey(project proto.ID) []byte {
	ret := encodeKeyPrefix(seqKeyPrefix)
	return append(ret, project[:]...)
}

func encodeConsumerKey(id proto.ID) []byte {
	ret := encodeKeyPrefix(consumerKeyPrefix)
	return append(ret, id[:]...)
}

func encodeKeyPrefix(prefix []byte) []byte {
	ret := make([]byte, 0, len(prefix)+len(keyInfix)+16)
	ret = append(ret, prefix...)
	return append(ret, keyInfix...)
}
