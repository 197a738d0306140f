package endpointsync

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/scidatahub/catalogdb/proto"
)

// Client speaks the sync protocol to a storage endpoint. The endpoint
// executes the actual data movement; the coordinator only tracks it.
type Client interface {
	RequestSync(ctx context.Context, host string, req *proto.SyncToEndpointRequest) (*proto.SyncToEndpointResponse, error)
	SyncStatus(ctx context.Context, host string, syncID proto.ID) (*proto.GetSyncStatusResponse, error)
}

type client struct {
	rpc rpc.Client
}

func NewClient() Client {
	return &client{rpc: rpc.NewClient(&rpc.Config{})}
}

func (c *client) RequestSync(ctx context.Context, host string, req *proto.SyncToEndpointRequest) (*proto.SyncToEndpointResponse, error) {
	ret := &proto.SyncToEndpointResponse{}
	err := c.rpc.PostWith(ctx, host+"/v1/sync", ret, req)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *client) SyncStatus(ctx context.Context, host string, syncID proto.ID) (*proto.GetSyncStatusResponse, error) {
	ret := &proto.GetSyncStatusResponse{}
	err := c.rpc.GetWith(ctx, fmt.Sprintf("%s/v1/sync/%s", host, syncID), ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}
