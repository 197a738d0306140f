package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/consensus"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/eventlog"
	"github.com/scidatahub/catalogdb/permission"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

type testEnv struct {
	catalog Catalog
	events  *eventlog.Log
	mux     *consensus.Mux
	store   *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()

	st, err := store.NewStore(ctx, &store.Config{
		Path:   t.TempDir(),
		KVType: kvstore.MemKVType,
	})
	require.NoError(t, err)

	mux, err := consensus.NewMux(ctx, st)
	require.NoError(t, err)

	cat := NewCatalog(ctx, &Config{Store: st})
	events := eventlog.NewLog(&eventlog.Config{Store: st})
	events.SetHierarchy(cat)
	cat.SetEvents(events)

	mux.Register(cat.GetSM())
	mux.Register(events.GetSM())

	group := consensus.NewMemGroup(mux)
	cat.SetRaftGroup(group)
	events.SetRaftGroup(group)
	group.Start()

	require.NoError(t, cat.Load(ctx))
	require.NoError(t, events.Load(ctx))

	t.Cleanup(func() {
		group.Close()
		st.Close()
	})
	return &testEnv{catalog: cat, events: events, mux: mux, store: st}
}

func resourceNode(typ proto.NodeType, name string) *proto.Node {
	return &proto.Node{
		Type:  typ,
		Name:  name,
		Attrs: proto.NodeAttrs{Resource: &proto.ResourceAttrs{Description: name}},
	}
}

func userNode(name string) *proto.Node {
	return &proto.Node{
		Type:  proto.NodeTypeUser,
		Name:  name,
		Attrs: proto.NodeAttrs{User: &proto.UserAttrs{DisplayName: name, Active: true}},
	}
}

func (e *testEnv) mustCreate(t *testing.T, node *proto.Node, parent *proto.ID) proto.ID {
	id, err := e.catalog.CreateNode(context.Background(), node, parent)
	require.NoError(t, err)
	return id
}

func TestCatalog_CreateHierarchy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "climate"), nil)
	collection := env.mustCreate(t, resourceNode(proto.NodeTypeCollection, "samples"), &project)
	dataset := env.mustCreate(t, resourceNode(proto.NodeTypeDataset, "2023"), &collection)
	object := env.mustCreate(t, resourceNode(proto.NodeTypeObject, "run-1.nc"), &dataset)

	got, err := env.catalog.GetNode(ctx, object)
	require.NoError(t, err)
	require.Equal(t, "run-1.nc", got.Name)

	ancestors, err := env.catalog.GetAncestors(ctx, object)
	require.NoError(t, err)
	require.Equal(t, []proto.ID{project, collection, dataset}, ancestors)

	root, err := env.catalog.RootOf(ctx, object)
	require.NoError(t, err)
	require.Equal(t, project, root)

	root, err = env.catalog.RootOf(ctx, project)
	require.NoError(t, err)
	require.Equal(t, project, root)

	direct, err := env.catalog.GetChildren(ctx, project, false)
	require.NoError(t, err)
	require.Equal(t, []proto.ID{collection}, direct)

	all, err := env.catalog.GetChildren(ctx, project, true)
	require.NoError(t, err)
	require.ElementsMatch(t, []proto.ID{collection, dataset, object}, all)

	ok, err := env.catalog.IsDescendantOf(ctx, object, project)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.catalog.IsDescendantOf(ctx, collection, dataset)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCatalog_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// non-root resources must enter the graph attached
	_, err := env.catalog.CreateNode(ctx, resourceNode(proto.NodeTypeCollection, "loose"), nil)
	require.Equal(t, apierrors.ErrDanglingReference, err)

	missing := proto.NewID()
	_, err = env.catalog.CreateNode(ctx, resourceNode(proto.NodeTypeCollection, "c"), &missing)
	require.Equal(t, apierrors.ErrDanglingReference, err)

	// an Object cannot parent anything
	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	object := env.mustCreate(t, resourceNode(proto.NodeTypeObject, "o"), &project)
	_, err = env.catalog.CreateNode(ctx, resourceNode(proto.NodeTypeCollection, "c"), &object)
	require.Equal(t, apierrors.ErrInvalidRelation, err)

	// attrs branch must match the node type
	_, err = env.catalog.CreateNode(ctx, &proto.Node{
		Type:  proto.NodeTypeProject,
		Name:  "bad",
		Attrs: proto.NodeAttrs{User: &proto.UserAttrs{}},
	}, nil)
	require.Equal(t, apierrors.ErrInvalidAttrs, err)
}

func TestCatalog_DuplicateBelongsTo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	env.mustCreate(t, resourceNode(proto.NodeTypeCollection, "c"), &project)
	dataset := env.mustCreate(t, resourceNode(proto.NodeTypeDataset, "d"), &project)

	// a second hierarchy parent for the dataset
	other := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "q"), nil)
	_, err := env.catalog.CreateRelation(ctx, &proto.Relation{
		Origin: dataset,
		Name:   RelationBelongsTo,
		Target: other,
	})
	require.Equal(t, apierrors.ErrDuplicateRelation, err)
}

func TestCatalog_CustomRelation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	derived, err := env.catalog.Registry().RegisterCustom("DERIVED_FROM", [][2]proto.NodeType{
		{proto.NodeTypeObject, proto.NodeTypeObject},
	})
	require.NoError(t, err)

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	src := env.mustCreate(t, resourceNode(proto.NodeTypeObject, "src"), &project)
	dst := env.mustCreate(t, resourceNode(proto.NodeTypeObject, "dst"), &project)

	_, err = env.catalog.CreateRelation(ctx, &proto.Relation{
		Origin: dst,
		Name:   derived,
		Target: src,
	})
	require.NoError(t, err)

	// non-BELONGS_TO names allow multiple edges per origin even between
	// attached hierarchy resources
	_, err = env.catalog.CreateRelation(ctx, &proto.Relation{
		Origin: dst,
		Name:   RelationMetadata,
		Target: src,
	})
	require.NoError(t, err)
	_, err = env.catalog.CreateRelation(ctx, &proto.Relation{
		Origin: dst,
		Name:   RelationOrigin,
		Target: src,
	})
	require.NoError(t, err)

	// custom relations do not join the hierarchy
	ancestors, err := env.catalog.GetAncestors(ctx, dst)
	require.NoError(t, err)
	require.Equal(t, []proto.ID{project}, ancestors)
}

func TestCatalog_UpdateAttrs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)

	attrs := proto.NodeAttrs{Resource: &proto.ResourceAttrs{
		Description: "updated",
		Labels:      map[string]string{"tier": "gold"},
	}}
	require.NoError(t, env.catalog.UpdateAttrs(ctx, project, "p2", attrs))

	got, err := env.catalog.GetNode(ctx, project)
	require.NoError(t, err)
	require.Equal(t, "p2", got.Name)
	require.Equal(t, "updated", got.Attrs.Resource.Description)
	require.Equal(t, uint64(1), got.Version)

	require.Equal(t, apierrors.ErrNotFound, env.catalog.UpdateAttrs(ctx, proto.NewID(), "x", attrs))
}

func TestCatalog_DeleteNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	dataset := env.mustCreate(t, resourceNode(proto.NodeTypeDataset, "d"), &project)
	object := env.mustCreate(t, resourceNode(proto.NodeTypeObject, "o"), &dataset)

	// a node that still anchors a subtree is rejected
	require.Equal(t, apierrors.ErrRejected, env.catalog.DeleteNode(ctx, dataset))

	user := env.mustCreate(t, userNode("alice"), nil)
	require.NoError(t, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:  user,
		Resource: object,
		Level:    proto.PermissionRead,
	}))

	require.NoError(t, env.catalog.DeleteNode(ctx, object))
	_, err := env.catalog.GetNode(ctx, object)
	require.Equal(t, apierrors.ErrNotFound, err)

	// the incident edge is gone with the node
	children, err := env.catalog.GetChildren(ctx, dataset, false)
	require.NoError(t, err)
	require.Empty(t, children)

	// deleting again is not an error at the applier but the propose path
	// rejects it up front
	require.Equal(t, apierrors.ErrNotFound, env.catalog.DeleteNode(ctx, object))

	// now the dataset is a leaf and may go
	require.NoError(t, env.catalog.DeleteNode(ctx, dataset))
}

func TestCatalog_Grants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	user := env.mustCreate(t, userNode("alice"), nil)

	require.NoError(t, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:   user,
		Resource:  project,
		Level:     proto.PermissionWrite,
		Cascading: true,
	}))

	view, err := env.catalog.AccessView(ctx, user, project)
	require.NoError(t, err)
	require.Len(t, view.Direct, 1)
	require.Equal(t, proto.PermissionWrite, view.Direct[0].Level)

	// grants on a resource node are rejected as subjects
	require.Equal(t, apierrors.ErrNotASubject, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:  project,
		Resource: project,
		Level:    proto.PermissionRead,
	}))

	// and a subject node cannot sit on the resource side either
	bob := env.mustCreate(t, userNode("bob"), nil)
	require.Equal(t, apierrors.ErrNotAResource, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:  user,
		Resource: bob,
		Level:    proto.PermissionRead,
	}))

	require.NoError(t, env.catalog.DeleteGrant(ctx, user, project))
	view, err = env.catalog.AccessView(ctx, user, project)
	require.NoError(t, err)
	require.Empty(t, view.Direct)

	require.Equal(t, apierrors.ErrNotFound, env.catalog.DeleteGrant(ctx, user, project))
}

func TestCatalog_Reload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	dataset := env.mustCreate(t, resourceNode(proto.NodeTypeDataset, "d"), &project)

	// a fresh catalog over the same store sees the same graph
	reloaded := NewCatalog(ctx, &Config{Store: env.store})
	require.NoError(t, reloaded.Load(ctx))

	ancestors, err := reloaded.GetAncestors(ctx, dataset)
	require.NoError(t, err)
	require.Equal(t, []proto.ID{project}, ancestors)
}

func TestCatalog_EventsPerCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	dataset := env.mustCreate(t, resourceNode(proto.NodeTypeDataset, "d"), &project)

	consumerID, err := env.events.RegisterConsumer(ctx, &proto.ConsumerInfo{
		Resource:            project,
		IncludeSubresources: true,
	})
	require.NoError(t, err)

	evs, err := env.events.Read(ctx, consumerID, 100)
	require.NoError(t, err)

	// project creation, dataset creation plus its hierarchy edge
	require.Len(t, evs, 3)
	require.Equal(t, proto.EventKindNodeCreated, evs[0].Kind)
	require.Equal(t, proto.EventKindNodeCreated, evs[1].Kind)
	require.Equal(t, proto.EventKindRelationCreated, evs[2].Kind)
	for i, ev := range evs {
		require.Equal(t, proto.Sequence(i+1), ev.Seq)
		require.Equal(t, project, ev.Project)
	}

	require.NoError(t, env.catalog.DeleteNode(ctx, dataset))
	evs, err = env.events.Read(ctx, consumerID, 100)
	require.NoError(t, err)
	require.Len(t, evs, 5)
	require.Equal(t, proto.EventKindNodeDeleted, evs[3].Kind)
	require.Equal(t, proto.EventKindRelationDeleted, evs[4].Kind)
	require.Equal(t, dataset, evs[3].Resource)
}

func TestCatalog_PermissionResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	dataset := env.mustCreate(t, resourceNode(proto.NodeTypeDataset, "d"), &project)
	object := env.mustCreate(t, resourceNode(proto.NodeTypeObject, "o"), &dataset)

	alice := env.mustCreate(t, userNode("alice"), nil)
	group := env.mustCreate(t, &proto.Node{
		Type:  proto.NodeTypeGroup,
		Name:  "analysts",
		Attrs: proto.NodeAttrs{Group: &proto.GroupAttrs{DisplayName: "analysts"}},
	}, nil)
	_, err := env.catalog.CreateRelation(ctx, &proto.Relation{
		Origin: alice,
		Name:   RelationBelongsTo,
		Target: group,
	})
	require.NoError(t, err)

	resolver := permission.NewResolver(env.catalog)
	subject := proto.Subject{ID: alice}

	// cascading WRITE on the project reaches the object through the group
	require.NoError(t, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:   group,
		Resource:  project,
		Level:     proto.PermissionWrite,
		Cascading: true,
	}))
	level, err := resolver.Resolve(ctx, subject, object)
	require.NoError(t, err)
	require.Equal(t, proto.PermissionWrite, level)

	// a direct DENY on the dataset shadows everything below it
	require.NoError(t, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:   alice,
		Resource:  dataset,
		Level:     proto.PermissionDeny,
		Cascading: true,
	}))
	level, err = resolver.Resolve(ctx, subject, object)
	require.NoError(t, err)
	require.Equal(t, proto.PermissionDeny, level)

	// the project itself is above the deny and stays writable
	level, err = resolver.Resolve(ctx, subject, project)
	require.NoError(t, err)
	require.Equal(t, proto.PermissionWrite, level)
}

func TestCatalog_GrantLifecycleAcrossDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	collection := env.mustCreate(t, resourceNode(proto.NodeTypeCollection, "c"), &project)
	alice := env.mustCreate(t, userNode("alice"), nil)

	resolver := permission.NewResolver(env.catalog)
	subject := proto.Subject{ID: alice}

	require.NoError(t, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:   alice,
		Resource:  project,
		Level:     proto.PermissionRead,
		Cascading: true,
	}))
	level, err := resolver.Resolve(ctx, subject, collection)
	require.NoError(t, err)
	require.Equal(t, proto.PermissionRead, level)

	require.NoError(t, env.catalog.PutGrant(ctx, &proto.Grant{
		Subject:  alice,
		Resource: collection,
		Level:    proto.PermissionDeny,
	}))
	level, err = resolver.Resolve(ctx, subject, collection)
	require.NoError(t, err)
	require.Equal(t, proto.PermissionDeny, level)

	// deleting the collection removes the hierarchy edge and the deny
	// grant with it; resolving against the gone node reports not-found
	require.NoError(t, env.catalog.DeleteNode(ctx, collection))
	_, err = env.catalog.GetNode(ctx, collection)
	require.Equal(t, apierrors.ErrNotFound, err)
	_, err = resolver.Resolve(ctx, subject, collection)
	require.Equal(t, apierrors.ErrNotFound, err)

	children, err := env.catalog.GetChildren(ctx, project, true)
	require.NoError(t, err)
	require.Empty(t, children)

	// the project grant is untouched
	view, err := env.catalog.AccessView(ctx, alice, project)
	require.NoError(t, err)
	require.Len(t, view.Direct, 1)
	require.Equal(t, proto.PermissionRead, view.Direct[0].Level)
}

func TestCatalog_IdempotentReapply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreate(t, resourceNode(proto.NodeTypeProject, "p"), nil)
	applied := env.mux.AppliedIndex()

	// the mux drops commits at or below its watermark
	rets, err := env.mux.Apply(ctx, []consensus.ProposalData{{Module: "catalog", Op: RaftOpCreateNode}}, applied)
	require.NoError(t, err)
	require.Len(t, rets, 1)
}
