package consensus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type RaftConfig struct {
	NodeID         uint64 `json:"node_id"`
	TickIntervalMs int    `json:"tick_interval_ms"`
	ElectionTick   int    `json:"election_tick"`
	HeartbeatTick  int    `json:"heartbeat_tick"`
}

// raftGroup drives a single-voter etcd raft node. Replicated state is
// recovered from the kv store and the apply watermark, so the raft log
// itself lives in MemoryStorage; multi-voter deployments plug their own
// transport behind the same Group interface.
type raftGroup struct {
	cfg     *RaftConfig
	sm      StateMachine
	node    raft.Node
	storage *raft.MemoryStorage

	notifies  sync.Map
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type raftEntry struct {
	PD       ProposalData `json:"pd"`
	NotifyID string       `json:"notify_id"`
}

func NewRaftGroup(cfg *RaftConfig, sm StateMachine) Group {
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	if cfg.TickIntervalMs == 0 {
		cfg.TickIntervalMs = 100
	}
	if cfg.ElectionTick == 0 {
		cfg.ElectionTick = 10
	}
	if cfg.HeartbeatTick == 0 {
		cfg.HeartbeatTick = 1
	}
	return &raftGroup{
		cfg:     cfg,
		sm:      sm,
		storage: raft.NewMemoryStorage(),
		done:    make(chan struct{}),
	}
}

func (g *raftGroup) Start() {
	applied := g.sm.AppliedIndex()
	c := &raft.Config{
		ID:              g.cfg.NodeID,
		ElectionTick:    g.cfg.ElectionTick,
		HeartbeatTick:   g.cfg.HeartbeatTick,
		Storage:         g.storage,
		Applied:         applied,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}
	if applied > 0 {
		// the kv store plus the apply watermark is the snapshot; restart
		// the log right behind it so new entries get fresh indexes
		snap := raftpb.Snapshot{}
		snap.Metadata.Index = applied
		snap.Metadata.Term = 1
		snap.Metadata.ConfState = raftpb.ConfState{Voters: []uint64{g.cfg.NodeID}}
		if err := g.storage.ApplySnapshot(snap); err != nil {
			panic(err)
		}
		g.node = raft.RestartNode(c)
	} else {
		g.node = raft.StartNode(c, []raft.Peer{{ID: g.cfg.NodeID}})
	}

	g.wg.Add(1)
	go g.run()
}

func (g *raftGroup) run() {
	defer g.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "raft-group")

	ticker := time.NewTicker(time.Duration(g.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.node.Tick()
		case rd := <-g.node.Ready():
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := g.storage.SetHardState(rd.HardState); err != nil {
					span.Errorf("set hard state failed: %s", err.Error())
				}
			}
			if err := g.storage.Append(rd.Entries); err != nil {
				span.Errorf("append raft entries failed: %s", err.Error())
			}
			for i := range rd.CommittedEntries {
				g.applyEntry(ctx, rd.CommittedEntries[i])
			}
			if rd.SoftState != nil {
				if err := g.sm.LeaderChange(rd.SoftState.Lead); err != nil {
					span.Errorf("leader change failed: %s", err.Error())
				}
			}
			// single voter: rd.Messages has no remote peers to reach
			g.node.Advance()
		case <-g.done:
			g.node.Stop()
			return
		}
	}
}

func (g *raftGroup) applyEntry(ctx context.Context, ent raftpb.Entry) {
	span := trace.SpanFromContextSafe(ctx)

	switch ent.Type {
	case raftpb.EntryNormal:
		if len(ent.Data) == 0 {
			return
		}
		e := &raftEntry{}
		if err := json.Unmarshal(ent.Data, e); err != nil {
			span.Errorf("unmarshal committed entry failed, index %d: %s", ent.Index, err.Error())
			return
		}
		rets, err := g.sm.Apply(ctx, []ProposalData{e.PD}, ent.Index)
		g.notify(e.NotifyID, memResult{rets: rets, err: err})
	case raftpb.EntryConfChange:
		cc := raftpb.ConfChange{}
		if err := cc.Unmarshal(ent.Data); err != nil {
			span.Errorf("unmarshal conf change failed: %s", err.Error())
			return
		}
		g.node.ApplyConfChange(cc)
	}
}

func (g *raftGroup) notify(notifyID string, res memResult) {
	if notifyID == "" {
		return
	}
	if ch, ok := g.notifies.LoadAndDelete(notifyID); ok {
		ch.(chan memResult) <- res
	}
}

func (g *raftGroup) Propose(ctx context.Context, data *ProposalData) (ProposalResponse, error) {
	e := &raftEntry{PD: *data, NotifyID: uuid.NewString()}
	raw, err := json.Marshal(e)
	if err != nil {
		return ProposalResponse{}, err
	}

	resC := make(chan memResult, 1)
	g.notifies.Store(e.NotifyID, resC)

	if err := g.node.Propose(ctx, raw); err != nil {
		g.notifies.Delete(e.NotifyID)
		return ProposalResponse{}, err
	}

	select {
	case res := <-resC:
		if res.err != nil {
			return ProposalResponse{}, res.err
		}
		if len(res.rets) > 0 {
			return ProposalResponse{Data: res.rets[0]}, nil
		}
		return ProposalResponse{}, nil
	case <-ctx.Done():
		// the proposal may still commit; callers must consult the applied
		// state before retrying
		g.notifies.Delete(e.NotifyID)
		return ProposalResponse{}, apierrors.ErrProposalTimeout
	case <-g.done:
		g.notifies.Delete(e.NotifyID)
		return ProposalResponse{}, apierrors.ErrProposalTimeout
	}
}

func (g *raftGroup) Stat() *Stat {
	st := g.node.Status()
	return &Stat{
		Id:      st.ID,
		Term:    st.Term,
		Commit:  st.Commit,
		Leader:  st.Lead,
		Applied: st.Applied,
	}
}

func (g *raftGroup) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}
