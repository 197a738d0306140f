package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scidatahub/catalogdb/common/kvstore"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

func newTestServer(t *testing.T) *Server {
	s, err := NewServer(&Config{
		StoreConfig: store.Config{
			Path:   t.TempDir(),
			KVType: kvstore.MemKVType,
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func createUser(t *testing.T, s *Server, name string) proto.ID {
	id, err := s.CreateResource(context.Background(), proto.Subject{}, &proto.Node{
		Type:  proto.NodeTypeUser,
		Name:  name,
		Attrs: proto.NodeAttrs{User: &proto.UserAttrs{DisplayName: name, Active: true}},
	}, nil)
	require.NoError(t, err)
	return id
}

func project(name string) *proto.Node {
	return &proto.Node{
		Type:  proto.NodeTypeProject,
		Name:  name,
		Attrs: proto.NodeAttrs{Resource: &proto.ResourceAttrs{Description: name}},
	}
}

func dataset(name string) *proto.Node {
	return &proto.Node{
		Type:  proto.NodeTypeDataset,
		Name:  name,
		Attrs: proto.NodeAttrs{Resource: &proto.ResourceAttrs{Description: name}},
	}
}

func TestServer_AuthorizedLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	aliceID := createUser(t, s, "alice")
	bobID := createUser(t, s, "bob")
	alice := proto.Subject{ID: aliceID}
	bob := proto.Subject{ID: bobID}

	// the creator of a root becomes its cascading admin
	projectID, err := s.CreateResource(ctx, alice, project("climate"), nil)
	require.NoError(t, err)

	datasetID, err := s.CreateResource(ctx, alice, dataset("2023"), &projectID)
	require.NoError(t, err)

	got, err := s.GetResource(ctx, alice, datasetID)
	require.NoError(t, err)
	require.Equal(t, "2023", got.Name)

	// strangers see nothing and change nothing
	_, err = s.GetResource(ctx, bob, datasetID)
	require.Equal(t, apierrors.ErrPermissionDenied, err)
	_, err = s.CreateResource(ctx, bob, dataset("sneaky"), &projectID)
	require.Equal(t, apierrors.ErrPermissionDenied, err)
	require.Equal(t, apierrors.ErrPermissionDenied, s.DeleteResource(ctx, bob, datasetID))

	// a READ grant opens reads, nothing else
	require.NoError(t, s.PutGrant(ctx, alice, &proto.Grant{
		Subject:   bobID,
		Resource:  projectID,
		Level:     proto.PermissionRead,
		Cascading: true,
	}))
	_, err = s.GetResource(ctx, bob, datasetID)
	require.NoError(t, err)
	err = s.UpdateResource(ctx, bob, datasetID, "renamed", dataset("renamed").Attrs)
	require.Equal(t, apierrors.ErrPermissionDenied, err)

	// only admins hand out grants
	err = s.PutGrant(ctx, bob, &proto.Grant{
		Subject:  bobID,
		Resource: projectID,
		Level:    proto.PermissionAdmin,
	})
	require.Equal(t, apierrors.ErrPermissionDenied, err)

	require.NoError(t, s.DeleteGrant(ctx, alice, bobID, projectID))
	_, err = s.GetResource(ctx, bob, datasetID)
	require.Equal(t, apierrors.ErrPermissionDenied, err)

	// a global admin needs no grants at all
	root := proto.Subject{ID: bobID, GlobalAdmin: true}
	_, err = s.GetResource(ctx, root, datasetID)
	require.NoError(t, err)
}

func TestServer_ConsumerFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	aliceID := createUser(t, s, "alice")
	alice := proto.Subject{ID: aliceID}

	projectID, err := s.CreateResource(ctx, alice, project("p"), nil)
	require.NoError(t, err)
	datasetID, err := s.CreateResource(ctx, alice, dataset("d"), &projectID)
	require.NoError(t, err)

	consumerID, err := s.RegisterConsumer(ctx, alice, &proto.ConsumerInfo{
		Resource:            projectID,
		IncludeSubresources: true,
	})
	require.NoError(t, err)

	evs, err := s.ReadEvents(ctx, consumerID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, evs)

	last := evs[len(evs)-1].Seq
	require.NoError(t, s.AckEvents(ctx, consumerID, last))

	evs, err = s.ReadEvents(ctx, consumerID, 100)
	require.NoError(t, err)
	require.Empty(t, evs)

	// new commits show up past the cursor
	require.NoError(t, s.UpdateResource(ctx, alice, datasetID, "d2", dataset("d2").Attrs))
	evs, err = s.ReadEvents(ctx, consumerID, 100)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, proto.EventKindNodeUpdated, evs[0].Kind)

	// registering against an unreadable resource is refused
	stranger := proto.Subject{ID: createUser(t, s, "mallory")}
	_, err = s.RegisterConsumer(ctx, stranger, &proto.ConsumerInfo{Resource: projectID})
	require.Equal(t, apierrors.ErrPermissionDenied, err)
}

func TestServer_Stat(t *testing.T) {
	s := newTestServer(t)

	stat := s.Stat()
	require.NotNil(t, stat)
	require.NotZero(t, stat.Leader)
}
