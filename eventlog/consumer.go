package eventlog

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

const module = "eventlog"

const (
	RaftOpRegisterConsumer uint32 = iota + 1
	RaftOpDeleteConsumer
	RaftOpResetCursor
)

// RegisterConsumer creates a durable subscription through consensus so
// every replica can serve its reads. The initial cursor comes from the
// descriptor, 0 meaning the full history.
func (l *Log) RegisterConsumer(ctx context.Context, info *proto.ConsumerInfo) (proto.ID, error) {
	if info.ID == (proto.ID{}) {
		info.ID = proto.NewID()
	}

	project, err := l.projectOf(ctx, info)
	if err != nil {
		return proto.ID{}, err
	}
	if err := l.propose(ctx, RaftOpRegisterConsumer, project, info); err != nil {
		return proto.ID{}, err
	}
	return info.ID, nil
}

func (l *Log) DeleteConsumer(ctx context.Context, id proto.ID) error {
	l.lock.RLock()
	info := l.consumers[id]
	l.lock.RUnlock()
	if info == nil {
		return apierrors.ErrConsumerNotFound
	}

	project, err := l.projectOf(ctx, info)
	if err != nil {
		project = info.Resource
	}
	return l.propose(ctx, RaftOpDeleteConsumer, project, &cursorArgs{ID: id})
}

// ResetCursor is the only way a cursor moves backwards.
func (l *Log) ResetCursor(ctx context.Context, id proto.ID, to proto.Sequence) error {
	l.lock.RLock()
	info := l.consumers[id]
	l.lock.RUnlock()
	if info == nil {
		return apierrors.ErrConsumerNotFound
	}

	project, err := l.projectOf(ctx, info)
	if err != nil {
		project = info.Resource
	}
	return l.propose(ctx, RaftOpResetCursor, project, &cursorArgs{ID: id, Cursor: to})
}

// Ack advances the cursor after the consumer has processed everything up
// to seq. Acknowledgment is local to the consumer, not a consensus
// mutation; it may race with delivery but can only move forward.
func (l *Log) Ack(ctx context.Context, id proto.ID, seq proto.Sequence) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	info := l.consumers[id]
	if info == nil {
		return apierrors.ErrConsumerNotFound
	}
	if seq < info.Cursor {
		return apierrors.ErrCursorRegression
	}
	if seq == info.Cursor {
		return nil
	}
	info.Cursor = seq
	return l.storage.PutConsumer(ctx, info)
}

// Read returns events with Seq beyond the consumer's cursor that match its
// resource filter. The cursor does not move; redelivery after a crash is
// the consumer's concern and is made safe by explicit acknowledgment.
func (l *Log) Read(ctx context.Context, id proto.ID, maxItems int) ([]*proto.Event, error) {
	l.lock.RLock()
	info := l.consumers[id]
	var consumer proto.ConsumerInfo
	if info != nil {
		consumer = *info
	}
	l.lock.RUnlock()
	if info == nil {
		return nil, apierrors.ErrConsumerNotFound
	}
	if maxItems <= 0 {
		maxItems = 128
	}

	project, err := l.projectOf(ctx, &consumer)
	if err != nil {
		return nil, err
	}

	var out []*proto.Event
	err = l.storage.ListEvents(ctx, project, consumer.Cursor, func(ev *proto.Event) bool {
		if l.matches(ctx, &consumer, ev) {
			out = append(out, ev)
		}
		return len(out) < maxItems
	})
	return out, err
}

func (l *Log) matches(ctx context.Context, consumer *proto.ConsumerInfo, ev *proto.Event) bool {
	if ev.Resource == consumer.Resource {
		return true
	}
	// a consumer on the project root covers the whole log, including
	// events for nodes that have since been deleted
	if consumer.IncludeSubresources && consumer.Resource == ev.Project {
		return true
	}
	if consumer.IncludeSubresources {
		// evaluated against the graph as of now, not as of append
		if ok, err := l.hierarchy.IsDescendantOf(ctx, ev.Resource, consumer.Resource); err == nil && ok {
			return true
		}
	}
	if ev.IncludeChildren {
		if ok, err := l.hierarchy.IsDescendantOf(ctx, consumer.Resource, ev.Resource); err == nil && ok {
			return true
		}
	}
	return false
}

func (l *Log) GetConsumer(id proto.ID) (*proto.ConsumerInfo, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	info := l.consumers[id]
	if info == nil {
		return nil, apierrors.ErrConsumerNotFound
	}
	ret := *info
	return &ret, nil
}

func (l *Log) projectOf(ctx context.Context, info *proto.ConsumerInfo) (proto.ID, error) {
	return l.hierarchy.RootOf(ctx, info.Resource)
}

type cursorArgs struct {
	ID     proto.ID       `json:"id"`
	Cursor proto.Sequence `json:"cursor"`
}

func (l *Log) propose(ctx context.Context, op uint32, project proto.ID, args interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	resp, err := l.raftGroup.Propose(ctx, &consensus.ProposalData{
		Module:  module,
		Op:      op,
		Data:    data,
		Project: project,
	})
	if err != nil {
		return err
	}
	if retErr, ok := resp.Data.(error); ok {
		return retErr
	}
	return nil
}

// GetSM exposes the consumer-registry applier.
func (l *Log) GetSM() consensus.Applier { return l }

func (l *Log) GetModule() string           { return module }
func (l *Log) GetCF() []kvstore.CF         { return []kvstore.CF{CF} }
func (l *Log) LeaderChange(_ uint64) error { return nil }

func (l *Log) Apply(ctx context.Context, pds []consensus.ProposalData, index uint64) (rets []interface{}, err error) {
	span := trace.SpanFromContextSafe(ctx)
	rets = make([]interface{}, 0, len(pds))

	for _, pd := range pds {
		var ret interface{}
		switch pd.Op {
		case RaftOpRegisterConsumer:
			ret, err = l.applyRegisterConsumer(ctx, pd.Data)
		case RaftOpDeleteConsumer:
			ret, err = l.applyDeleteConsumer(ctx, pd.Data)
		case RaftOpResetCursor:
			ret, err = l.applyResetCursor(ctx, pd.Data)
		default:
			panic(fmt.Sprintf("unsupported eventlog operation type: %d", pd.Op))
		}
		if err != nil {
			span.Errorf("apply eventlog op %d failed: %s", pd.Op, err.Error())
			return nil, err
		}
		rets = append(rets, ret)
	}
	return rets, nil
}

func (l *Log) applyRegisterConsumer(ctx context.Context, data []byte) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	info := &proto.ConsumerInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if l.consumers[info.ID] != nil {
		span.Warnf("consumer[%s] already registered", info.ID)
		return nil, nil
	}
	if err := l.storage.PutConsumer(ctx, info); err != nil {
		return nil, err
	}
	l.consumers[info.ID] = info
	return nil, nil
}

func (l *Log) applyDeleteConsumer(ctx context.Context, data []byte) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	args := &cursorArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if l.consumers[args.ID] == nil {
		span.Warnf("consumer[%s] already deleted", args.ID)
		return nil, nil
	}

	batch := l.storage.kvStore.NewWriteBatch()
	defer batch.Close()
	l.storage.DeleteConsumerBatch(batch, args.ID)
	if err := l.storage.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	delete(l.consumers, args.ID)
	return nil, nil
}

func (l *Log) applyResetCursor(ctx context.Context, data []byte) (interface{}, error) {
	args := &cursorArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	info := l.consumers[args.ID]
	if info == nil {
		return apierrors.ErrConsumerNotFound, nil
	}
	info.Cursor = args.Cursor
	return nil, l.storage.PutConsumer(ctx, info)
}
