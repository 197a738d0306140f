package catalog

import (
	"context"
	"encoding/json"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

const CF = kvstore.CF("catalog")

var (
	nodeKeyPrefix     = []byte("n")
	relationKeyPrefix = []byte("r")
	grantKeyPrefix    = []byte("g")
	keyInfix          = []byte("/")
)

type storage struct {
	kvStore kvstore.Store
}

func newStorage(kv *store.Store) *storage {
	return &storage{kvStore: kv.KVStore()}
}

func (s *storage) PutNode(batch kvstore.WriteBatch, node *proto.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	batch.Put(CF, encodeNodeKey(node.ID), data)
	return nil
}

func (s *storage) DeleteNode(batch kvstore.WriteBatch, id proto.ID) {
	batch.Delete(CF, encodeNodeKey(id))
}

func (s *storage) PutRelation(batch kvstore.WriteBatch, rel *proto.Relation) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	batch.Put(CF, encodeRelationKey(rel.ID), data)
	return nil
}

func (s *storage) DeleteRelation(batch kvstore.WriteBatch, id proto.ID) {
	batch.Delete(CF, encodeRelationKey(id))
}

func (s *storage) PutGrant(batch kvstore.WriteBatch, grant *proto.Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	batch.Put(CF, encodeGrantKey(grant.Resource, grant.Subject), data)
	return nil
}

func (s *storage) DeleteGrant(batch kvstore.WriteBatch, resource, subject proto.ID) {
	batch.Delete(CF, encodeGrantKey(resource, subject))
}

// LoadAll reads every persisted row; the in-memory graph is rebuilt from
// the result at startup.
func (s *storage) LoadAll(ctx context.Context) (nodes []*proto.Node, relations []*proto.Relation, grants []*proto.Grant, err error) {
	err = s.listPrefix(ctx, nodeKeyPrefix, func(value []byte) error {
		node := &proto.Node{}
		if err := json.Unmarshal(value, node); err != nil {
			return err
		}
		nodes = append(nodes, node)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	err = s.listPrefix(ctx, relationKeyPrefix, func(value []byte) error {
		rel := &proto.Relation{}
		if err := json.Unmarshal(value, rel); err != nil {
			return err
		}
		relations = append(relations, rel)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	err = s.listPrefix(ctx, grantKeyPrefix, func(value []byte) error {
		grant := &proto.Grant{}
		if err := json.Unmarshal(value, grant); err != nil {
			return err
		}
		grants = append(grants, grant)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return nodes, relations, grants, nil
}

func (s *storage) listPrefix(ctx context.Context, prefix []byte, visit func(value []byte) error) error {
	lr := s.kvStore.List(ctx, CF, encodeKeyPrefix(prefix), nil, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		if err := visit(value); err != nil {
			return err
		}
	}
}

func encodeNodeKey(id proto.ID) []byte {
	ret := encodeKeyPrefix(nodeKeyPrefix)
	return append(ret, id[:]...)
}

func encodeRelationKey(id proto.ID) []byte {
	ret := encodeKeyPrefix(relationKeyPrefix)
	return append(ret, id[:]...)
}

func encodeGrantKey(resource, subject proto.ID) []byte {
	ret := make([]byte, 0, len(grantKeyPrefix)+len(keyInfix)+32)
	ret = append(ret, grantKeyPrefix...)
	ret = append(ret, keyInfix...)
	ret = append(ret, resource[:]...)
	return append(ret, subject[:]...)
}

func encodeKeyPrefix(prefix []byte) []byte {
	ret := make([]byte, 0, len(prefix)+len(keyInfix)+16)
	ret = append(ret, prefix...)
	return append(ret, keyInfix...)
}
