package endpointsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/consensus"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/metrics"
	"github.com/scidatahub/catalogdb/proto"
)

func (c *Coordinator) GetSM() consensus.Applier { return c }

func (c *Coordinator) GetModule() string { return module }

func (c *Coordinator) GetCF() []kvstore.CF { return []kvstore.CF{CF} }

func (c *Coordinator) LeaderChange(_ uint64) error { return nil }

func (c *Coordinator) Apply(ctx context.Context, pds []consensus.ProposalData, index uint64) (rets []interface{}, err error) {
	span := trace.SpanFromContextSafe(ctx)
	rets = make([]interface{}, 0, len(pds))

	for i := range pds {
		pd := &pds[i]
		var ret interface{}
		switch pd.Op {
		case RaftOpSyncOutcome:
			ret, err = c.applySyncOutcome(ctx, pd)
		default:
			panic(fmt.Sprintf("unsupported endpointsync operation type: %d", pd.Op))
		}
		if err != nil {
			span.Errorf("apply endpointsync op %d failed: %s", pd.Op, err.Error())
			return nil, err
		}
		rets = append(rets, ret)
	}
	return rets, nil
}

// applySyncOutcome persists the terminal record and appends the finish
// event in one batch. Terminal states are final, a second outcome for the
// same sync id is dropped.
func (c *Coordinator) applySyncOutcome(ctx context.Context, pd *consensus.ProposalData) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	outcome := &syncOutcome{}
	if err := json.Unmarshal(pd.Data, outcome); err != nil {
		return nil, err
	}

	key := encodeOutcomeKey(outcome.SyncID)
	if _, err := c.kvStore.GetRaw(ctx, CF, key, nil); err == nil {
		span.Warnf("sync[%s] outcome already committed", outcome.SyncID)
		return apierrors.ErrSyncFinished, nil
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}

	batch := c.kvStore.NewWriteBatch()
	defer batch.Close()

	batch.Put(CF, key, pd.Data)
	st := c.events.NewStaging(batch)
	if _, err := st.Append(pd.Project, outcome.Resource, false, proto.EventKindSyncFinished, pd.Data); err != nil {
		return nil, err
	}

	if err := c.kvStore.Write(ctx, batch); err != nil {
		return nil, err
	}
	st.Commit(ctx)
	metrics.SyncOutcomes.WithLabelValues(outcome.State.String()).Inc()

	c.lock.Lock()
	delete(c.ops, outcome.SyncID)
	c.lock.Unlock()
	return nil, nil
}
