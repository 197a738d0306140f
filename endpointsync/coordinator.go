package endpointsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/time/rate"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/consensus"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/eventlog"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

const module = "endpointsync"

const CF = kvstore.CF("sync")

const (
	RaftOpSyncOutcome uint32 = iota + 1
)

const (
	defaultPollPerSecond  = 1
	defaultUnreachableMax = 10

	statusPending   = "Pending"
	statusCompleted = "Completed"
	statusFailed    = "Failed"
)

// Graph is the slice of the resource graph the coordinator needs.
type Graph interface {
	GetNode(ctx context.Context, id proto.ID) (*proto.Node, error)
	RootOf(ctx context.Context, id proto.ID) (proto.ID, error)
}

type Config struct {
	Store *store.Store `json:"-"`

	PollPerSecond  float64 `json:"poll_per_second"`
	UnreachableMax int     `json:"unreachable_max"`
}

// operation is the local, in-flight view of one sync. It exists only on
// the replica that accepted the request; the committed outcome row is what
// every replica agrees on.
type operation struct {
	req     *proto.SyncToEndpointRequest
	syncID  proto.ID
	host    string
	project proto.ID
	state   proto.SyncState
}

// syncOutcome is the consensus-committed terminal record of one operation.
type syncOutcome struct {
	SyncID   proto.ID        `json:"sync_id"`
	Endpoint proto.ID        `json:"endpoint"`
	Resource proto.ID        `json:"resource"`
	State    proto.SyncState `json:"state"`
	Error    string          `json:"error,omitempty"`
}

type Coordinator struct {
	kvStore   kvstore.Store
	graph     Graph
	events    *eventlog.Log
	raftGroup consensus.Group
	client    Client

	limiter        *rate.Limiter
	unreachableMax int

	ops  map[proto.ID]*operation
	lock sync.RWMutex

	// pollCtx cancels every in-flight poll loop on Close; wg waits for
	// them so no loop outlives the coordinator and proposes into a closed
	// group
	pollCtx    context.Context
	pollCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewCoordinator(cfg *Config) *Coordinator {
	if cfg.PollPerSecond <= 0 {
		cfg.PollPerSecond = defaultPollPerSecond
	}
	if cfg.UnreachableMax <= 0 {
		cfg.UnreachableMax = defaultUnreachableMax
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		kvStore:        cfg.Store.KVStore(),
		client:         NewClient(),
		limiter:        rate.NewLimiter(rate.Limit(cfg.PollPerSecond), 1),
		unreachableMax: cfg.UnreachableMax,
		ops:            make(map[proto.ID]*operation),
		pollCtx:        ctx,
		pollCancel:     cancel,
	}
}

func (c *Coordinator) SetGraph(g Graph)                   { c.graph = g }
func (c *Coordinator) SetEvents(events *eventlog.Log)     { c.events = events }
func (c *Coordinator) SetRaftGroup(group consensus.Group) { c.raftGroup = group }
func (c *Coordinator) SetClient(client Client)            { c.client = client }

func (c *Coordinator) Close() {
	c.pollCancel()
	c.wg.Wait()
}

// SyncToEndpoint relays the request to the endpoint and returns the
// endpoint-minted sync id as the durable handle. The terminal outcome
// arrives later through consensus; until then the operation reports
// Pending.
func (c *Coordinator) SyncToEndpoint(ctx context.Context, req *proto.SyncToEndpointRequest) (*proto.SyncToEndpointResponse, error) {
	span := trace.SpanFromContextSafe(ctx)

	node, err := c.graph.GetNode(ctx, req.Endpoint)
	if err != nil {
		return nil, err
	}
	if node.Type != proto.NodeTypeEndpoint || node.Attrs.Endpoint == nil {
		return nil, apierrors.ErrInvalidAttrs
	}
	project, err := c.graph.RootOf(ctx, req.Resource)
	if err != nil {
		return nil, err
	}

	host := node.Attrs.Endpoint.Host
	resp, err := c.client.RequestSync(ctx, host, req)
	if err != nil {
		span.Warnf("endpoint[%s] refused sync request: %s", req.Endpoint, err.Error())
		return nil, apierrors.ErrEndpointUnreachable
	}

	op := &operation{
		req:     req,
		syncID:  resp.SyncID,
		host:    host,
		project: project,
		state:   proto.SyncStateStarted,
	}
	c.lock.Lock()
	c.ops[op.syncID] = op
	c.lock.Unlock()

	c.wg.Add(1)
	go c.poll(op)

	return resp, nil
}

// GetSyncStatus answers from the committed outcome row when one exists,
// else Pending for a known in-flight operation. Two callers asking before
// the outcome commits both see Pending; after commit both see the same
// terminal state.
func (c *Coordinator) GetSyncStatus(ctx context.Context, syncID proto.ID) (*proto.GetSyncStatusResponse, error) {
	value, err := c.kvStore.GetRaw(ctx, CF, encodeOutcomeKey(syncID), nil)
	if err == nil {
		outcome := &syncOutcome{}
		if err := json.Unmarshal(value, outcome); err != nil {
			return nil, err
		}
		ret := &proto.GetSyncStatusResponse{SyncID: syncID, Error: outcome.Error}
		if outcome.State == proto.SyncStateCompleted {
			ret.Status = statusCompleted
		} else {
			ret.Status = statusFailed
		}
		return ret, nil
	}
	if err != kvstore.ErrNotFound {
		return nil, err
	}

	c.lock.RLock()
	_, inflight := c.ops[syncID]
	c.lock.RUnlock()
	if inflight {
		return &proto.GetSyncStatusResponse{SyncID: syncID, Status: statusPending}, nil
	}
	return nil, apierrors.ErrSyncNotFound
}

func (c *Coordinator) poll(op *operation) {
	defer c.wg.Done()
	span, ctx := trace.StartSpanFromContext(c.pollCtx, "sync-poll")

	unreachable := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		status, err := c.client.SyncStatus(ctx, op.host, op.syncID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			unreachable++
			span.Warnf("endpoint[%s] unreachable (%d): %s", op.req.Endpoint, unreachable, err.Error())
			if unreachable < c.unreachableMax {
				continue
			}
			// the retry budget is spent; record the failure so the
			// operation does not stay Pending forever
			c.finish(ctx, op, proto.SyncStateFailed, "endpoint unreachable")
			return
		}
		unreachable = 0

		switch status.Status {
		case statusPending:
			c.setState(op, proto.SyncStatePolling)
		case statusCompleted:
			c.finish(ctx, op, proto.SyncStateCompleted, "")
			return
		case statusFailed:
			c.finish(ctx, op, proto.SyncStateFailed, status.Error)
			return
		default:
			span.Warnf("endpoint[%s] reported unknown status %q", op.req.Endpoint, status.Status)
		}
	}
}

func (c *Coordinator) setState(op *operation, state proto.SyncState) {
	c.lock.Lock()
	op.state = state
	c.lock.Unlock()
}

// finish proposes the terminal outcome through consensus. The in-flight
// entry is kept until the commit applies so status queries keep answering
// Pending in the window between endpoint report and commit.
func (c *Coordinator) finish(ctx context.Context, op *operation, state proto.SyncState, errMsg string) {
	span := trace.SpanFromContextSafe(ctx)

	outcome := &syncOutcome{
		SyncID:   op.syncID,
		Endpoint: op.req.Endpoint,
		Resource: op.req.Resource,
		State:    state,
		Error:    errMsg,
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		span.Errorf("marshal sync outcome failed: %s", err.Error())
		return
	}

	resp, err := c.raftGroup.Propose(ctx, &consensus.ProposalData{
		Module:  module,
		Op:      RaftOpSyncOutcome,
		Data:    data,
		Project: op.project,
	})
	if err != nil {
		span.Errorf("propose sync outcome for [%s] failed: %s", op.syncID, err.Error())
		return
	}
	if retErr, ok := resp.Data.(error); ok && retErr == apierrors.ErrSyncFinished {
		span.Warnf("sync[%s] already reached a terminal state", op.syncID)
	}
}

func encodeOutcomeKey(syncID proto.ID) []byte {
	ret := make([]byte, 0, 2+16)
	ret = append(ret, 'o', '/')
	return append(ret, syncID[:]...)
}
