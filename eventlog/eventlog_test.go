package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/consensus"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

// fakeHierarchy answers ancestry from a mutable parent map, standing in
// for the graph store.
type fakeHierarchy struct {
	parents map[proto.ID]proto.ID
}

func (f *fakeHierarchy) RootOf(ctx context.Context, id proto.ID) (proto.ID, error) {
	cur := id
	for i := 0; i < 100; i++ {
		parent, ok := f.parents[cur]
		if !ok {
			return cur, nil
		}
		cur = parent
	}
	return proto.ID{}, apierrors.ErrCorruptedState
}

func (f *fakeHierarchy) IsDescendantOf(ctx context.Context, node, ancestor proto.ID) (bool, error) {
	cur := node
	for {
		parent, ok := f.parents[cur]
		if !ok {
			return false, nil
		}
		if parent == ancestor {
			return true, nil
		}
		cur = parent
	}
}

func newTestLog(t *testing.T) (*Log, *fakeHierarchy, *store.Store) {
	ctx := context.Background()

	st, err := store.NewStore(ctx, &store.Config{
		Path:   t.TempDir(),
		KVType: kvstore.MemKVType,
	})
	require.NoError(t, err)

	mux, err := consensus.NewMux(ctx, st)
	require.NoError(t, err)

	h := &fakeHierarchy{parents: make(map[proto.ID]proto.ID)}
	l := NewLog(&Config{Store: st})
	l.SetHierarchy(h)
	mux.Register(l.GetSM())

	group := consensus.NewMemGroup(mux)
	l.SetRaftGroup(group)
	group.Start()

	require.NoError(t, l.Load(ctx))

	t.Cleanup(func() {
		group.Close()
		st.Close()
	})
	return l, h, st
}

func appendEvents(t *testing.T, l *Log, project proto.ID, events ...*proto.Event) []*proto.Event {
	ctx := context.Background()

	batch := l.storage.kvStore.NewWriteBatch()
	defer batch.Close()

	st := l.NewStaging(batch)
	out := make([]*proto.Event, 0, len(events))
	for _, ev := range events {
		appended, err := st.Append(project, ev.Resource, ev.IncludeChildren, ev.Kind, ev.Payload)
		require.NoError(t, err)
		out = append(out, appended)
	}
	require.NoError(t, l.storage.kvStore.Write(ctx, batch))
	st.Commit(ctx)
	return out
}

func TestLog_SequenceAssignment(t *testing.T) {
	l, _, _ := newTestLog(t)

	projectA := proto.NewID()
	projectB := proto.NewID()
	resource := proto.NewID()

	evs := appendEvents(t, l, projectA,
		&proto.Event{Resource: resource, Kind: proto.EventKindNodeCreated},
		&proto.Event{Resource: resource, Kind: proto.EventKindNodeUpdated},
	)
	require.Equal(t, proto.Sequence(1), evs[0].Seq)
	require.Equal(t, proto.Sequence(2), evs[1].Seq)

	// projects sequence independently
	evs = appendEvents(t, l, projectB,
		&proto.Event{Resource: resource, Kind: proto.EventKindNodeCreated},
	)
	require.Equal(t, proto.Sequence(1), evs[0].Seq)

	evs = appendEvents(t, l, projectA,
		&proto.Event{Resource: resource, Kind: proto.EventKindNodeDeleted},
	)
	require.Equal(t, proto.Sequence(3), evs[0].Seq)
	require.Equal(t, proto.Sequence(3), l.LastSeq(projectA))
	require.Equal(t, proto.Sequence(1), l.LastSeq(projectB))
}

func TestLog_DeterministicEventIDs(t *testing.T) {
	project := proto.NewID()

	// two replicas appending the same commits mint the same ids
	ids := make([][]proto.ID, 2)
	for i := 0; i < 2; i++ {
		l, _, _ := newTestLog(t)
		resource := proto.ID{} // stable input
		evs := appendEvents(t, l, project,
			&proto.Event{Resource: resource, Kind: proto.EventKindNodeCreated},
			&proto.Event{Resource: resource, Kind: proto.EventKindNodeUpdated},
		)
		ids[i] = []proto.ID{evs[0].ID, evs[1].ID}
	}
	require.Equal(t, ids[0], ids[1])
	require.NotEqual(t, ids[0][0], ids[0][1])
}

func TestLog_ConsumerReadAck(t *testing.T) {
	l, h, _ := newTestLog(t)
	ctx := context.Background()

	project := proto.NewID()
	dataset := proto.NewID()
	h.parents[dataset] = project

	appendEvents(t, l, project,
		&proto.Event{Resource: project, Kind: proto.EventKindNodeCreated},
		&proto.Event{Resource: dataset, Kind: proto.EventKindNodeCreated},
		&proto.Event{Resource: dataset, Kind: proto.EventKindNodeUpdated},
	)

	consumerID, err := l.RegisterConsumer(ctx, &proto.ConsumerInfo{Resource: dataset})
	require.NoError(t, err)

	evs, err := l.Read(ctx, consumerID, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, proto.Sequence(2), evs[0].Seq)
	require.Equal(t, proto.Sequence(3), evs[1].Seq)

	// reading without ack re-delivers
	again, err := l.Read(ctx, consumerID, 10)
	require.NoError(t, err)
	require.Len(t, again, 2)

	require.NoError(t, l.Ack(ctx, consumerID, 2))
	evs, err = l.Read(ctx, consumerID, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, proto.Sequence(3), evs[0].Seq)

	// acks are monotonic, equal is a no-op
	require.NoError(t, l.Ack(ctx, consumerID, 2))
	require.Equal(t, apierrors.ErrCursorRegression, l.Ack(ctx, consumerID, 1))

	require.Equal(t, apierrors.ErrConsumerNotFound, l.Ack(ctx, proto.NewID(), 1))
	_, err = l.Read(ctx, proto.NewID(), 10)
	require.Equal(t, apierrors.ErrConsumerNotFound, err)
}

func TestLog_SubtreeFiltering(t *testing.T) {
	l, h, _ := newTestLog(t)
	ctx := context.Background()

	project := proto.NewID()
	collection := proto.NewID()
	object := proto.NewID()
	other := proto.NewID()
	h.parents[collection] = project
	h.parents[object] = collection
	h.parents[other] = project

	appendEvents(t, l, project,
		&proto.Event{Resource: object, Kind: proto.EventKindNodeCreated},
		&proto.Event{Resource: other, Kind: proto.EventKindNodeCreated},
		&proto.Event{Resource: collection, IncludeChildren: true, Kind: proto.EventKindGrantChanged},
	)

	// without subresources only exact matches arrive, plus parent events
	// flagged as covering children
	exact, err := l.RegisterConsumer(ctx, &proto.ConsumerInfo{Resource: object})
	require.NoError(t, err)
	evs, err := l.Read(ctx, exact, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, object, evs[0].Resource)
	require.Equal(t, collection, evs[1].Resource)

	// subtree consumer on the collection sees the object, not the sibling
	subtree, err := l.RegisterConsumer(ctx, &proto.ConsumerInfo{Resource: collection, IncludeSubresources: true})
	require.NoError(t, err)
	evs, err = l.Read(ctx, subtree, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)

	// a root consumer covers the whole project log
	root, err := l.RegisterConsumer(ctx, &proto.ConsumerInfo{Resource: project, IncludeSubresources: true})
	require.NoError(t, err)
	evs, err = l.Read(ctx, root, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
}

func TestLog_FilterFollowsMoves(t *testing.T) {
	l, h, _ := newTestLog(t)
	ctx := context.Background()

	project := proto.NewID()
	collectionA := proto.NewID()
	collectionB := proto.NewID()
	object := proto.NewID()
	h.parents[collectionA] = project
	h.parents[collectionB] = project
	h.parents[object] = collectionA

	appendEvents(t, l, project,
		&proto.Event{Resource: object, Kind: proto.EventKindNodeCreated},
	)

	watcher, err := l.RegisterConsumer(ctx, &proto.ConsumerInfo{Resource: collectionB, IncludeSubresources: true})
	require.NoError(t, err)
	evs, err := l.Read(ctx, watcher, 10)
	require.NoError(t, err)
	require.Empty(t, evs)

	// membership is evaluated at read time: after the object moves under
	// collectionB even its pre-move events become visible
	h.parents[object] = collectionB
	evs, err = l.Read(ctx, watcher, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestLog_ConsumerLifecycle(t *testing.T) {
	l, h, st := newTestLog(t)
	ctx := context.Background()

	project := proto.NewID()
	dataset := proto.NewID()
	h.parents[dataset] = project

	appendEvents(t, l, project,
		&proto.Event{Resource: dataset, Kind: proto.EventKindNodeCreated},
	)

	consumerID, err := l.RegisterConsumer(ctx, &proto.ConsumerInfo{Resource: dataset})
	require.NoError(t, err)
	require.NoError(t, l.Ack(ctx, consumerID, 1))

	info, err := l.GetConsumer(consumerID)
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(1), info.Cursor)

	// cursors and sequence counters survive a reload
	reloaded := NewLog(&Config{Store: st})
	reloaded.SetHierarchy(h)
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, proto.Sequence(1), reloaded.LastSeq(project))
	info, err = reloaded.GetConsumer(consumerID)
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(1), info.Cursor)

	// ResetCursor is the rewind path
	require.NoError(t, l.ResetCursor(ctx, consumerID, 0))
	evs, err := l.Read(ctx, consumerID, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	require.NoError(t, l.DeleteConsumer(ctx, consumerID))
	_, err = l.Read(ctx, consumerID, 10)
	require.Equal(t, apierrors.ErrConsumerNotFound, err)
	require.Equal(t, apierrors.ErrConsumerNotFound, l.DeleteConsumer(ctx, consumerID))
}
