package consensus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/scidatahub/catalogdb/common/kvstore"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/metrics"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

const LocalCF = kvstore.CF("local")

var applyIndexKey = []byte("apply_index")

const defaultPersistNumInterval = uint64(1000)

// Mux dispatches committed entries to the module appliers and keeps the
// commit-sequence watermark stored alongside the applied state. Commits at
// or below the watermark are dropped, which makes duplicate delivery from
// the ordering layer a no-op.
type Mux struct {
	sms      map[string]Applier
	store    *store.Store
	halted   map[proto.ID]error
	haltedMu sync.RWMutex

	appliedIndex uint64
	lastPersist  uint64
	applyMu      sync.Mutex
}

func NewMux(ctx context.Context, kv *store.Store) (*Mux, error) {
	m := &Mux{
		sms:    make(map[string]Applier),
		store:  kv,
		halted: make(map[proto.ID]error),
	}
	if err := m.loadApplyIndex(ctx); err != nil {
		return nil, err
	}
	m.lastPersist = m.appliedIndex
	return m, nil
}

func (m *Mux) Register(a Applier) {
	m.sms[a.GetModule()] = a
	for _, cf := range a.GetCF() {
		if err := m.store.KVStore().CreateColumn(cf); err != nil {
			panic(fmt.Sprintf("create column %s failed: %v", cf, err))
		}
	}
}

func (m *Mux) AppliedIndex() uint64 {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return m.appliedIndex
}

// Halted reports whether commit application for the project was stopped by
// a local invariant violation. Operator intervention is required.
func (m *Mux) Halted(project proto.ID) error {
	m.haltedMu.RLock()
	defer m.haltedMu.RUnlock()
	return m.halted[project]
}

func (m *Mux) Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error) {
	span := trace.SpanFromContextSafe(ctx)

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if index != 0 && index <= m.appliedIndex {
		span.Warnf("skip already applied commit, index %d, applied %d", index, m.appliedIndex)
		return make([]interface{}, len(pds)), nil
	}

	rets = make([]interface{}, 0, len(pds))
	for _, pd := range pds {
		if haltErr := m.Halted(pd.Project); haltErr != nil {
			return nil, haltErr
		}

		sm := m.sms[pd.Module]
		if sm == nil {
			panic(fmt.Sprintf("no applier registered for module %s", pd.Module))
		}

		lRets, err1 := sm.Apply(ctx, []ProposalData{pd}, index)
		if err1 != nil {
			if err1 == apierrors.ErrCorruptedState {
				m.haltProject(pd.Project, err1)
			}
			span.Errorf("apply module %s failed: %s", pd.Module, err1.Error())
			return nil, err1
		}
		rets = append(rets, lRets...)
	}

	m.appliedIndex = index
	metrics.AppliedCommits.Inc()

	if index >= m.lastPersist+defaultPersistNumInterval {
		if err := m.persistApplyIndex(ctx); err != nil {
			return nil, err
		}
		m.lastPersist = index
	}
	return rets, nil
}

func (m *Mux) LeaderChange(peerID uint64) error {
	for _, sm := range m.sms {
		if err := sm.LeaderChange(peerID); err != nil {
			return err
		}
	}
	return nil
}

// Flush persists the watermark immediately. Called on shutdown.
func (m *Mux) Flush(ctx context.Context) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return m.persistApplyIndex(ctx)
}

func (m *Mux) haltProject(project proto.ID, err error) {
	m.haltedMu.Lock()
	m.halted[project] = err
	m.haltedMu.Unlock()
}

func (m *Mux) loadApplyIndex(ctx context.Context) error {
	if err := m.store.KVStore().CreateColumn(LocalCF); err != nil {
		return err
	}
	val, err := m.store.KVStore().GetRaw(ctx, LocalCF, applyIndexKey, nil)
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if len(val) != 8 {
		return fmt.Errorf("malformed apply index, size %d", len(val))
	}
	m.appliedIndex = binary.BigEndian.Uint64(val)
	return nil
}

func (m *Mux) persistApplyIndex(ctx context.Context) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, m.appliedIndex)
	return m.store.KVStore().SetRaw(ctx, LocalCF, applyIndexKey, val)
}
