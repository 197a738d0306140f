package catalog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/scidatahub/catalogdb/consensus"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/eventlog"
	"github.com/scidatahub/catalogdb/permission"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

type Catalog interface {
	CreateNode(ctx context.Context, node *proto.Node, parent *proto.ID) (proto.ID, error)
	CreateRelation(ctx context.Context, rel *proto.Relation) (proto.ID, error)
	UpdateAttrs(ctx context.Context, id proto.ID, name string, attrs proto.NodeAttrs) error
	DeleteNode(ctx context.Context, id proto.ID) error
	PutGrant(ctx context.Context, grant *proto.Grant) error
	DeleteGrant(ctx context.Context, subject, resource proto.ID) error

	GetNode(ctx context.Context, id proto.ID) (*proto.Node, error)
	GetAncestors(ctx context.Context, id proto.ID) ([]proto.ID, error)
	GetChildren(ctx context.Context, id proto.ID, recursive bool) ([]proto.ID, error)
	RootOf(ctx context.Context, id proto.ID) (proto.ID, error)
	IsDescendantOf(ctx context.Context, node, ancestor proto.ID) (bool, error)
	AccessView(ctx context.Context, subject, resource proto.ID) (*permission.AccessView, error)

	Registry() *Registry
	GetSM() consensus.Applier
	SetRaftGroup(group consensus.Group)
	SetEvents(events *eventlog.Log)
	Load(ctx context.Context) error
	Close()
}

type Config struct {
	Store    *store.Store `json:"-"`
	Registry *Registry    `json:"-"`
}

type catalog struct {
	registry  *Registry
	storage   *storage
	raftGroup consensus.Group
	events    *eventlog.Log

	// the in-memory graph is rebuilt from storage at startup and mutated
	// only by the commit-application path
	nodes     map[proto.ID]*proto.Node
	relations map[proto.ID]*proto.Relation
	byOrigin  map[proto.ID][]proto.ID
	byTarget  map[proto.ID][]proto.ID
	grants    map[proto.ID]map[proto.ID]*proto.Grant // resource -> subject -> grant
	lock      sync.RWMutex
}

func NewCatalog(ctx context.Context, cfg *Config) Catalog {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &catalog{
		registry:  registry,
		storage:   newStorage(cfg.Store),
		nodes:     make(map[proto.ID]*proto.Node),
		relations: make(map[proto.ID]*proto.Relation),
		byOrigin:  make(map[proto.ID][]proto.ID),
		byTarget:  make(map[proto.ID][]proto.ID),
		grants:    make(map[proto.ID]map[proto.ID]*proto.Grant),
	}
}

func (c *catalog) Registry() *Registry {
	return c.registry
}

func (c *catalog) SetRaftGroup(group consensus.Group) {
	c.raftGroup = group
}

// SetEvents wires the event log; event rows for a commit go into the same
// write batch as the graph mutation.
func (c *catalog) SetEvents(events *eventlog.Log) {
	c.events = events
}

func (c *catalog) Close() {}

// Load rebuilds the in-memory graph from the kv store. Called once before
// the consensus group starts delivering commits.
func (c *catalog) Load(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	nodes, relations, grants, err := c.storage.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		c.nodes[n.ID] = n
	}
	for _, rel := range relations {
		c.indexRelationNoLock(rel)
	}
	for _, g := range grants {
		c.indexGrantNoLock(g)
	}
	return nil
}

func (c *catalog) indexRelationNoLock(rel *proto.Relation) {
	c.relations[rel.ID] = rel
	c.byOrigin[rel.Origin] = append(c.byOrigin[rel.Origin], rel.ID)
	c.byTarget[rel.Target] = append(c.byTarget[rel.Target], rel.ID)
}

func (c *catalog) indexGrantNoLock(g *proto.Grant) {
	byResource := c.grants[g.Resource]
	if byResource == nil {
		byResource = make(map[proto.ID]*proto.Grant)
		c.grants[g.Resource] = byResource
	}
	byResource[g.Subject] = g
}

// CreateNode validates and proposes node creation. When parent is set a
// BELONGS_TO relation is created in the same commit so the node never
// exists outside the hierarchy.
func (c *catalog) CreateNode(ctx context.Context, node *proto.Node, parent *proto.ID) (proto.ID, error) {
	span := trace.SpanFromContextSafe(ctx)

	if node.ID == (proto.ID{}) {
		node.ID = proto.NewID()
	}
	if err := validateAttrs(node); err != nil {
		return proto.ID{}, err
	}

	args := &createNodeArgs{Node: node}
	project := node.ID

	if parent != nil {
		c.lock.RLock()
		parentNode := c.nodes[*parent]
		c.lock.RUnlock()
		if parentNode == nil {
			return proto.ID{}, apierrors.ErrDanglingReference
		}
		rel := &proto.Relation{
			ID:                proto.NewID(),
			Origin:            node.ID,
			OriginType:        node.Type,
			Name:              RelationBelongsTo,
			Target:            parentNode.ID,
			TargetType:        parentNode.Type,
			TargetDisplayName: parentNode.Name,
		}
		if err := c.registry.Validate(rel); err != nil {
			return proto.ID{}, err
		}
		root, err := c.RootOf(ctx, parentNode.ID)
		if err != nil {
			return proto.ID{}, err
		}
		project = root
		args.Parent = rel
	} else if !node.Type.IsHierarchyRoot() && !node.Type.IsSubject() && node.Type != proto.NodeTypeEndpoint {
		// non-root resources enter the graph attached
		return proto.ID{}, apierrors.ErrDanglingReference
	}

	if _, err := c.propose(ctx, RaftOpCreateNode, project, args); err != nil {
		span.Errorf("propose create node failed: %s", err.Error())
		return proto.ID{}, err
	}
	return node.ID, nil
}

func (c *catalog) CreateRelation(ctx context.Context, rel *proto.Relation) (proto.ID, error) {
	if rel.ID == (proto.ID{}) {
		rel.ID = proto.NewID()
	}

	c.lock.RLock()
	origin := c.nodes[rel.Origin]
	target := c.nodes[rel.Target]
	c.lock.RUnlock()
	if origin == nil || target == nil {
		return proto.ID{}, apierrors.ErrDanglingReference
	}
	rel.OriginType = origin.Type
	rel.TargetType = target.Type
	if rel.TargetDisplayName == "" {
		rel.TargetDisplayName = target.Name
	}

	if err := c.registry.Validate(rel); err != nil {
		return proto.ID{}, err
	}
	if err := c.checkBelongsToUnique(rel); err != nil {
		return proto.ID{}, err
	}

	project := rel.Origin
	if root, err := c.RootOf(ctx, rel.Target); err == nil {
		project = root
	}

	if _, err := c.propose(ctx, RaftOpCreateRelation, project, &createRelationArgs{Relation: rel}); err != nil {
		return proto.ID{}, err
	}
	return rel.ID, nil
}

func (c *catalog) UpdateAttrs(ctx context.Context, id proto.ID, name string, attrs proto.NodeAttrs) error {
	c.lock.RLock()
	node := c.nodes[id]
	c.lock.RUnlock()
	if node == nil {
		return apierrors.ErrNotFound
	}

	probe := &proto.Node{ID: id, Type: node.Type, Name: name, Attrs: attrs}
	if err := validateAttrs(probe); err != nil {
		return err
	}

	project, err := c.RootOf(ctx, id)
	if err != nil {
		project = id
	}
	_, err = c.propose(ctx, RaftOpUpdateAttrs, project, &updateAttrsArgs{ID: id, Name: name, Attrs: attrs})
	return err
}

func (c *catalog) DeleteNode(ctx context.Context, id proto.ID) error {
	c.lock.RLock()
	node := c.nodes[id]
	c.lock.RUnlock()
	if node == nil {
		return apierrors.ErrNotFound
	}

	project, err := c.RootOf(ctx, id)
	if err != nil {
		project = id
	}
	_, err = c.propose(ctx, RaftOpDeleteNode, project, &deleteNodeArgs{ID: id})
	return err
}

func (c *catalog) PutGrant(ctx context.Context, grant *proto.Grant) error {
	c.lock.RLock()
	subject := c.nodes[grant.Subject]
	resource := c.nodes[grant.Resource]
	c.lock.RUnlock()
	if subject == nil || resource == nil {
		return apierrors.ErrDanglingReference
	}
	if !subject.Type.IsSubject() {
		return apierrors.ErrNotASubject
	}
	if !resource.Type.IsHierarchyRoot() && !isHierarchyResource(resource.Type) {
		return apierrors.ErrNotAResource
	}

	project, err := c.RootOf(ctx, grant.Resource)
	if err != nil {
		project = grant.Resource
	}
	_, err = c.propose(ctx, RaftOpPutGrant, project, &putGrantArgs{Grant: grant})
	return err
}

func (c *catalog) DeleteGrant(ctx context.Context, subjectID, resourceID proto.ID) error {
	c.lock.RLock()
	_, ok := c.grants[resourceID][subjectID]
	c.lock.RUnlock()
	if !ok {
		return apierrors.ErrNotFound
	}

	project, err := c.RootOf(ctx, resourceID)
	if err != nil {
		project = resourceID
	}
	_, err = c.propose(ctx, RaftOpDeleteGrant, project, &deleteGrantArgs{Subject: subjectID, Resource: resourceID})
	return err
}

func (c *catalog) propose(ctx context.Context, op uint32, project proto.ID, args interface{}) (interface{}, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	resp, err := c.raftGroup.Propose(ctx, &consensus.ProposalData{
		Module:  module,
		Op:      op,
		Data:    data,
		Project: project,
	})
	if err != nil {
		return nil, err
	}
	// appliers report conflicts with concurrently committed mutations as
	// result values so the commit stream itself never fails
	if retErr, ok := resp.Data.(error); ok {
		return nil, retErr
	}
	return resp.Data, nil
}

func (c *catalog) checkBelongsToUnique(rel *proto.Relation) error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.checkBelongsToUniqueNoLock(rel)
}

// checkBelongsToUniqueNoLock guards BELONGS_TO multiplicity only; every
// other relation name allows any number of edges per origin.
func (c *catalog) checkBelongsToUniqueNoLock(rel *proto.Relation) error {
	if rel.Name != RelationBelongsTo {
		return nil
	}
	for _, relID := range c.byOrigin[rel.Origin] {
		other := c.relations[relID]
		if other.Name != RelationBelongsTo || other.ID == rel.ID {
			continue
		}
		if other.TargetDisplayName == rel.TargetDisplayName {
			return apierrors.ErrDuplicateRelation
		}
		// non-root resources have exactly one hierarchy parent
		if isHierarchyResource(rel.OriginType) && isHierarchyParent(c.nodes[other.Target]) {
			return apierrors.ErrDuplicateRelation
		}
	}
	return nil
}

func validateAttrs(node *proto.Node) error {
	a := node.Attrs
	set := 0
	for _, present := range []bool{
		a.User != nil, a.Group != nil, a.Token != nil, a.Resource != nil,
		a.Endpoint != nil, a.Hook != nil, a.Workspace != nil, a.Rule != nil,
	} {
		if present {
			set++
		}
	}
	if set > 1 {
		return apierrors.ErrInvalidAttrs
	}

	switch node.Type {
	case proto.NodeTypeUser, proto.NodeTypeServiceAccount:
		if set == 1 && a.User == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeGroup:
		if set == 1 && a.Group == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeToken:
		if set == 1 && a.Token == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeProject, proto.NodeTypeCollection, proto.NodeTypeDataset, proto.NodeTypeObject, proto.NodeTypeRealm:
		if set == 1 && a.Resource == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeEndpoint:
		if set == 1 && a.Endpoint == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeHook:
		if set == 1 && a.Hook == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeWorkspace:
		if set == 1 && a.Workspace == nil {
			return apierrors.ErrInvalidAttrs
		}
	case proto.NodeTypeRule:
		if set == 1 && a.Rule == nil {
			return apierrors.ErrInvalidAttrs
		}
	default:
		return apierrors.ErrInvalidAttrs
	}
	return nil
}

func isHierarchyResource(t proto.NodeType) bool {
	switch t {
	case proto.NodeTypeCollection, proto.NodeTypeDataset, proto.NodeTypeObject:
		return true
	default:
		return false
	}
}

func isHierarchyParent(node *proto.Node) bool {
	if node == nil {
		return false
	}
	switch node.Type {
	case proto.NodeTypeProject, proto.NodeTypeCollection, proto.NodeTypeDataset, proto.NodeTypeRealm:
		return true
	default:
		return false
	}
}
