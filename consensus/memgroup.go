package consensus

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/scidatahub/catalogdb/errors"
)

// memGroup is a single-replica ordering stub: proposals are committed in
// arrival order by one apply goroutine. It carries the full Group contract
// (total order, at-least-once local delivery, ambiguous timeout) without a
// distributed log, which is what the core tests run against.
type memGroup struct {
	sm    StateMachine
	index uint64

	proposeC  chan *memProposal
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type memProposal struct {
	pd   *ProposalData
	resC chan memResult
}

type memResult struct {
	rets []interface{}
	err  error
}

func NewMemGroup(sm StateMachine) Group {
	return &memGroup{
		sm: sm,
		// resume above the persisted watermark, or a restarted group would
		// hand out already-applied indexes and every commit would be skipped
		index:    sm.AppliedIndex(),
		proposeC: make(chan *memProposal, 64),
		done:     make(chan struct{}),
	}
}

func (g *memGroup) Start() {
	g.wg.Add(1)
	go g.applyLoop()
}

func (g *memGroup) applyLoop() {
	defer g.wg.Done()
	_, ctx := trace.StartSpanFromContext(context.Background(), "mem-group-apply")
	for {
		select {
		case p := <-g.proposeC:
			g.index++
			rets, err := g.sm.Apply(ctx, []ProposalData{*p.pd}, g.index)
			p.resC <- memResult{rets: rets, err: err}
		case <-g.done:
			return
		}
	}
}

func (g *memGroup) Propose(ctx context.Context, data *ProposalData) (ProposalResponse, error) {
	p := &memProposal{pd: data, resC: make(chan memResult, 1)}

	select {
	case g.proposeC <- p:
	case <-ctx.Done():
		return ProposalResponse{}, apierrors.ErrProposalTimeout
	case <-g.done:
		return ProposalResponse{}, apierrors.ErrProposalTimeout
	}

	// once enqueued the proposal will commit even if the caller gives up;
	// a timeout here is the ambiguous-outcome case
	select {
	case res := <-p.resC:
		if res.err != nil {
			return ProposalResponse{}, res.err
		}
		if len(res.rets) > 0 {
			return ProposalResponse{Data: res.rets[0]}, nil
		}
		return ProposalResponse{}, nil
	case <-ctx.Done():
		return ProposalResponse{}, apierrors.ErrProposalTimeout
	}
}

func (g *memGroup) Stat() *Stat {
	return &Stat{Id: 1, Leader: 1, Applied: g.index, Commit: g.index}
}

func (g *memGroup) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}
