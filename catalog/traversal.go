package catalog

import (
	"context"

	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/permission"
	"github.com/scidatahub/catalogdb/proto"
)

const maxHierarchyDepth = 1 << 10

func (c *catalog) GetNode(ctx context.Context, id proto.ID) (*proto.Node, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	node := c.nodes[id]
	if node == nil {
		return nil, apierrors.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

// GetAncestors returns the BELONGS_TO chain of the node, root-most first,
// excluding the node itself.
func (c *catalog) GetAncestors(ctx context.Context, id proto.ID) ([]proto.ID, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.ancestorsNoLock(id)
}

func (c *catalog) ancestorsNoLock(id proto.ID) ([]proto.ID, error) {
	if c.nodes[id] == nil {
		return nil, apierrors.ErrNotFound
	}

	var chain []proto.ID
	cur := id
	for depth := 0; ; depth++ {
		if depth > maxHierarchyDepth {
			return nil, apierrors.ErrCorruptedState
		}
		parent, ok := c.parentNoLock(cur)
		if !ok {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}

	// reverse into root-most first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (c *catalog) parentNoLock(id proto.ID) (proto.ID, bool) {
	for _, relID := range c.byOrigin[id] {
		rel := c.relations[relID]
		if rel.Name == RelationBelongsTo && isHierarchyParent(c.nodes[rel.Target]) {
			return rel.Target, true
		}
	}
	return proto.ID{}, false
}

// RootOf resolves the root of the BELONGS_TO tree containing id; a root
// resolves to itself.
func (c *catalog) RootOf(ctx context.Context, id proto.ID) (proto.ID, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.rootOfNoLock(id)
}

func (c *catalog) rootOfNoLock(id proto.ID) (proto.ID, error) {
	chain, err := c.ancestorsNoLock(id)
	if err != nil {
		return proto.ID{}, err
	}
	if len(chain) == 0 {
		return id, nil
	}
	return chain[0], nil
}

// GetChildren lists the direct BELONGS_TO children of the node; recursive
// walks the whole subtree breadth first.
func (c *catalog) GetChildren(ctx context.Context, id proto.ID, recursive bool) ([]proto.ID, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.nodes[id] == nil {
		return nil, apierrors.ErrNotFound
	}

	var out []proto.ID
	queue := []proto.ID{id}
	seen := map[proto.ID]struct{}{id: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, relID := range c.byTarget[cur] {
			rel := c.relations[relID]
			if rel.Name != RelationBelongsTo {
				continue
			}
			if _, ok := seen[rel.Origin]; ok {
				continue
			}
			seen[rel.Origin] = struct{}{}
			out = append(out, rel.Origin)
			if recursive {
				queue = append(queue, rel.Origin)
			}
		}
	}
	return out, nil
}

func (c *catalog) IsDescendantOf(ctx context.Context, node, ancestor proto.ID) (bool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	chain, err := c.ancestorsNoLock(node)
	if err != nil {
		return false, err
	}
	for _, id := range chain {
		if id == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// AccessView captures the direct grants, the cascading ancestor grants and
// the subject's group memberships under one read lock, so permission
// resolution never observes a partially applied commit.
func (c *catalog) AccessView(ctx context.Context, subject, resource proto.ID) (*permission.AccessView, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.nodes[resource] == nil {
		return nil, apierrors.ErrNotFound
	}

	chain, err := c.ancestorsNoLock(resource)
	if err != nil {
		return nil, err
	}

	view := &permission.AccessView{
		Resource: resource,
		Groups:   make(map[proto.ID]struct{}),
	}
	for _, anc := range chain {
		view.Ancestors = append(view.Ancestors, permission.AncestorGrants{
			Resource: anc,
			Grants:   c.grantListNoLock(anc),
		})
	}
	view.Direct = c.grantListNoLock(resource)

	for _, relID := range c.byOrigin[subject] {
		rel := c.relations[relID]
		if rel.Name == RelationBelongsTo && rel.TargetType == proto.NodeTypeGroup {
			view.Groups[rel.Target] = struct{}{}
		}
	}
	return view, nil
}

func (c *catalog) grantListNoLock(resource proto.ID) []*proto.Grant {
	byResource := c.grants[resource]
	if len(byResource) == 0 {
		return nil
	}
	out := make([]*proto.Grant, 0, len(byResource))
	for _, g := range byResource {
		cp := *g
		out = append(out, &cp)
	}
	return out
}
