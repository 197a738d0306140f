package consensus

import (
	"context"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/proto"
)

type (
	// ProposalData is the opaque mutation payload handed to the ordering
	// layer. Project tags the ordering scope; commits within one project are
	// applied in a single total order on every replica.
	ProposalData struct {
		Module  string   `json:"module"`
		Op      uint32   `json:"op"`
		Data    []byte   `json:"data"`
		Project proto.ID `json:"project"`
		Context []byte   `json:"context,omitempty"`
	}

	ProposalResponse struct {
		Data interface{}
	}

	// Group is the boundary the rest of the core sees: propose a mutation
	// and suspend until the commit (or rejection) is observed locally.
	Group interface {
		Propose(ctx context.Context, data *ProposalData) (ProposalResponse, error)
		Stat() *Stat
		Start()
		Close()
	}

	// Applier is supplied per module. Commits arrive in commit order,
	// at least once; appliers must treat re-application of an already
	// applied commit as a no-op.
	Applier interface {
		Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error)
		LeaderChange(leader uint64) error
		GetCF() []kvstore.CF
		GetModule() string
	}

	// StateMachine is what a Group drives. The commit mux implements it and
	// fans entries out to the registered module appliers. AppliedIndex is
	// the persisted watermark; a restarted group must hand out commit
	// indexes strictly above it or every new commit is skipped as a
	// duplicate.
	StateMachine interface {
		Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error)
		LeaderChange(leader uint64) error
		AppliedIndex() uint64
	}

	Stat struct {
		Id      uint64 `json:"nodeId"`
		Term    uint64 `json:"term"`
		Commit  uint64 `json:"commit"`
		Leader  uint64 `json:"leader"`
		Applied uint64 `json:"applied"`
	}
)
