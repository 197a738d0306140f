package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/consensus"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/proto"
)

const module = "catalog"

const (
	RaftOpCreateNode uint32 = iota + 1
	RaftOpCreateRelation
	RaftOpUpdateAttrs
	RaftOpDeleteNode
	RaftOpPutGrant
	RaftOpDeleteGrant
)

type createNodeArgs struct {
	Node   *proto.Node     `json:"node"`
	Parent *proto.Relation `json:"parent,omitempty"`
}

type createRelationArgs struct {
	Relation *proto.Relation `json:"relation"`
}

type updateAttrsArgs struct {
	ID    proto.ID        `json:"id"`
	Name  string          `json:"name"`
	Attrs proto.NodeAttrs `json:"attrs"`
}

type deleteNodeArgs struct {
	ID proto.ID `json:"id"`
}

type putGrantArgs struct {
	Grant *proto.Grant `json:"grant"`
}

type deleteGrantArgs struct {
	Subject  proto.ID `json:"subject"`
	Resource proto.ID `json:"resource"`
}

func (c *catalog) GetSM() consensus.Applier { return c }

func (c *catalog) GetModule() string { return module }

func (c *catalog) GetCF() []kvstore.CF { return []kvstore.CF{CF} }

func (c *catalog) LeaderChange(_ uint64) error { return nil }

func (c *catalog) Apply(ctx context.Context, pds []consensus.ProposalData, index uint64) (rets []interface{}, err error) {
	span := trace.SpanFromContextSafe(ctx)
	rets = make([]interface{}, 0, len(pds))

	for i := range pds {
		pd := &pds[i]
		var ret interface{}
		switch pd.Op {
		case RaftOpCreateNode:
			ret, err = c.applyCreateNode(ctx, pd)
		case RaftOpCreateRelation:
			ret, err = c.applyCreateRelation(ctx, pd)
		case RaftOpUpdateAttrs:
			ret, err = c.applyUpdateAttrs(ctx, pd)
		case RaftOpDeleteNode:
			ret, err = c.applyDeleteNode(ctx, pd)
		case RaftOpPutGrant:
			ret, err = c.applyPutGrant(ctx, pd)
		case RaftOpDeleteGrant:
			ret, err = c.applyDeleteGrant(ctx, pd)
		default:
			panic(fmt.Sprintf("unsupported catalog operation type: %d", pd.Op))
		}
		if err != nil {
			span.Errorf("apply catalog op %d failed: %s", pd.Op, err.Error())
			return nil, err
		}
		rets = append(rets, ret)
	}
	return rets, nil
}

// applyCreateNode persists the node, its optional hierarchy edge and the
// resulting events in one write batch, so a crash can never leave the node
// outside the hierarchy or the event log behind the graph.
func (c *catalog) applyCreateNode(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	args := &createNodeArgs{}
	if err := json.Unmarshal(pd.Data, args); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.nodes[args.Node.ID] != nil {
		span.Warnf("node[%s] already created", args.Node.ID)
		return nil, nil
	}
	if args.Parent != nil {
		if c.nodes[args.Parent.Target] == nil {
			// parent deleted by a concurrently committed mutation
			return apierrors.ErrDanglingReference, nil
		}
		if err := c.checkBelongsToUniqueNoLock(args.Parent); err != nil {
			return err, nil
		}
	}

	batch := c.storage.kvStore.NewWriteBatch()
	defer batch.Close()

	if err := c.storage.PutNode(batch, args.Node); err != nil {
		return nil, err
	}
	st := c.events.NewStaging(batch)
	payload, _ := json.Marshal(args.Node)
	if _, err := st.Append(pd.Project, args.Node.ID, false, proto.EventKindNodeCreated, payload); err != nil {
		return nil, err
	}
	if args.Parent != nil {
		if err := c.storage.PutRelation(batch, args.Parent); err != nil {
			return nil, err
		}
		relPayload, _ := json.Marshal(args.Parent)
		if _, err := st.Append(pd.Project, args.Parent.Origin, false, proto.EventKindRelationCreated, relPayload); err != nil {
			return nil, err
		}
	}

	if err := c.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)

	c.nodes[args.Node.ID] = args.Node
	if args.Parent != nil {
		c.indexRelationNoLock(args.Parent)
	}
	return nil, nil
}

func (c *catalog) applyCreateRelation(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	args := &createRelationArgs{}
	if err := json.Unmarshal(pd.Data, args); err != nil {
		return nil, err
	}
	rel := args.Relation

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.relations[rel.ID] != nil {
		span.Warnf("relation[%s] already created", rel.ID)
		return nil, nil
	}
	if c.nodes[rel.Origin] == nil || c.nodes[rel.Target] == nil {
		return apierrors.ErrDanglingReference, nil
	}
	if err := c.registry.Validate(rel); err != nil {
		return err, nil
	}
	if err := c.checkBelongsToUniqueNoLock(rel); err != nil {
		return err, nil
	}

	batch := c.storage.kvStore.NewWriteBatch()
	defer batch.Close()

	if err := c.storage.PutRelation(batch, rel); err != nil {
		return nil, err
	}
	st := c.events.NewStaging(batch)
	payload, _ := json.Marshal(rel)
	if _, err := st.Append(pd.Project, rel.Origin, false, proto.EventKindRelationCreated, payload); err != nil {
		return nil, err
	}

	if err := c.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)

	c.indexRelationNoLock(rel)
	return nil, nil
}

func (c *catalog) applyUpdateAttrs(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	args := &updateAttrsArgs{}
	if err := json.Unmarshal(pd.Data, args); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	node := c.nodes[args.ID]
	if node == nil {
		return apierrors.ErrRejected, nil
	}

	updated := *node
	updated.Name = args.Name
	updated.Attrs = args.Attrs
	updated.Version = node.Version + 1

	batch := c.storage.kvStore.NewWriteBatch()
	defer batch.Close()

	if err := c.storage.PutNode(batch, &updated); err != nil {
		return nil, err
	}
	st := c.events.NewStaging(batch)
	payload, _ := json.Marshal(&updated)
	if _, err := st.Append(pd.Project, updated.ID, false, proto.EventKindNodeUpdated, payload); err != nil {
		return nil, err
	}

	if err := c.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)

	c.nodes[args.ID] = &updated
	return nil, nil
}

// applyDeleteNode removes the node, every relation it participates in and
// every grant on or held by it. Nodes that still anchor a subtree are
// rejected so the hierarchy never dangles.
func (c *catalog) applyDeleteNode(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	args := &deleteNodeArgs{}
	if err := json.Unmarshal(pd.Data, args); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	node := c.nodes[args.ID]
	if node == nil {
		span.Warnf("node[%s] already deleted", args.ID)
		return nil, nil
	}
	for _, relID := range c.byTarget[args.ID] {
		rel := c.relations[relID]
		if rel.Name == RelationBelongsTo && isHierarchyResource(rel.OriginType) {
			return apierrors.ErrRejected, nil
		}
	}

	batch := c.storage.kvStore.NewWriteBatch()
	defer batch.Close()
	st := c.events.NewStaging(batch)

	c.storage.DeleteNode(batch, args.ID)
	payload, _ := json.Marshal(node)
	if _, err := st.Append(pd.Project, args.ID, false, proto.EventKindNodeDeleted, payload); err != nil {
		return nil, err
	}

	var removed []proto.ID
	for _, relID := range append(append([]proto.ID{}, c.byOrigin[args.ID]...), c.byTarget[args.ID]...) {
		rel := c.relations[relID]
		if rel == nil {
			continue
		}
		c.storage.DeleteRelation(batch, relID)
		relPayload, _ := json.Marshal(rel)
		other := rel.Origin
		if other == args.ID {
			other = rel.Target
		}
		if _, err := st.Append(pd.Project, other, false, proto.EventKindRelationDeleted, relPayload); err != nil {
			return nil, err
		}
		removed = append(removed, relID)
	}

	for subject := range c.grants[args.ID] {
		c.storage.DeleteGrant(batch, args.ID, subject)
	}
	for resource, bySubject := range c.grants {
		if resource == args.ID {
			continue
		}
		if bySubject[args.ID] != nil {
			c.storage.DeleteGrant(batch, resource, args.ID)
		}
	}

	if err := c.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)

	delete(c.nodes, args.ID)
	for _, relID := range removed {
		c.unindexRelationNoLock(relID)
	}
	delete(c.grants, args.ID)
	for _, bySubject := range c.grants {
		delete(bySubject, args.ID)
	}
	return nil, nil
}

func (c *catalog) applyPutGrant(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	args := &putGrantArgs{}
	if err := json.Unmarshal(pd.Data, args); err != nil {
		return nil, err
	}
	grant := args.Grant

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.nodes[grant.Subject] == nil || c.nodes[grant.Resource] == nil {
		return apierrors.ErrRejected, nil
	}

	batch := c.storage.kvStore.NewWriteBatch()
	defer batch.Close()

	if err := c.storage.PutGrant(batch, grant); err != nil {
		return nil, err
	}
	st := c.events.NewStaging(batch)
	payload, _ := json.Marshal(grant)
	if _, err := st.Append(pd.Project, grant.Resource, grant.Cascading, proto.EventKindGrantChanged, payload); err != nil {
		return nil, err
	}

	if err := c.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)

	c.indexGrantNoLock(grant)
	return nil, nil
}

func (c *catalog) applyDeleteGrant(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	args := &deleteGrantArgs{}
	if err := json.Unmarshal(pd.Data, args); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	grant := c.grants[args.Resource][args.Subject]
	if grant == nil {
		span.Warnf("grant[%s/%s] already deleted", args.Resource, args.Subject)
		return nil, nil
	}

	batch := c.storage.kvStore.NewWriteBatch()
	defer batch.Close()

	c.storage.DeleteGrant(batch, args.Resource, args.Subject)
	st := c.events.NewStaging(batch)
	payload, _ := json.Marshal(grant)
	if _, err := st.Append(pd.Project, args.Resource, grant.Cascading, proto.EventKindGrantChanged, payload); err != nil {
		return nil, err
	}

	if err := c.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)

	delete(c.grants[args.Resource], args.Subject)
	return nil, nil
}

func (c *catalog) unindexRelationNoLock(id proto.ID) {
	rel := c.relations[id]
	if rel == nil {
		return
	}
	delete(c.relations, id)
	c.byOrigin[rel.Origin] = removeID(c.byOrigin[rel.Origin], id)
	c.byTarget[rel.Target] = removeID(c.byTarget[rel.Target], id)
}

func removeID(ids []proto.ID, id proto.ID) []proto.ID {
	for i := range ids {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
