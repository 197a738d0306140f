package eventlog

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/consensus"
	"github.com/scidatahub/catalogdb/metrics"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

// Hierarchy answers ancestry questions against the applied graph state.
// Descendant membership for consumer filtering is evaluated here at read
// time, so a resource moved under a consumer's subtree becomes visible for
// events that predate the move.
type Hierarchy interface {
	RootOf(ctx context.Context, id proto.ID) (proto.ID, error)
	IsDescendantOf(ctx context.Context, node, ancestor proto.ID) (bool, error)
}

// Publisher receives every committed event exactly once per local apply.
type Publisher interface {
	Publish(ev *proto.Event)
}

type Config struct {
	Store *store.Store `json:"-"`
}

// Log is the per-project, append-only record of committed resource
// changes. Sequence numbers are assigned during commit application, so
// they are identical on every replica.
type Log struct {
	storage   *storage
	hierarchy Hierarchy
	publisher Publisher
	raftGroup consensus.Group

	seqs      map[proto.ID]proto.Sequence
	consumers map[proto.ID]*proto.ConsumerInfo
	lock      sync.RWMutex
}

func NewLog(cfg *Config) *Log {
	return &Log{
		storage:   newStorage(cfg.Store),
		seqs:      make(map[proto.ID]proto.Sequence),
		consumers: make(map[proto.ID]*proto.ConsumerInfo),
	}
}

func (l *Log) SetRaftGroup(group consensus.Group) { l.raftGroup = group }
func (l *Log) SetHierarchy(h Hierarchy)           { l.hierarchy = h }
func (l *Log) SetPublisher(p Publisher)           { l.publisher = p }

func (l *Log) Load(ctx context.Context) error {
	seqs, err := l.storage.LoadSeqs(ctx)
	if err != nil {
		return err
	}
	consumers, err := l.storage.ListConsumers(ctx)
	if err != nil {
		return err
	}

	l.lock.Lock()
	l.seqs = seqs
	for _, c := range consumers {
		l.consumers[c.ID] = c
	}
	l.lock.Unlock()
	return nil
}

// LastSeq returns the highest assigned sequence for the project, 0 when
// the log is empty.
func (l *Log) LastSeq(project proto.ID) proto.Sequence {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.seqs[project]
}

// Staging collects the event rows of one commit into the same write batch
// as the graph mutation, so the log can never disagree with the graph.
// Sequence counters advance only on Commit, after the batch is written.
type Staging struct {
	log    *Log
	batch  kvstore.WriteBatch
	events []*proto.Event
	next   map[proto.ID]proto.Sequence
}

func (l *Log) NewStaging(batch kvstore.WriteBatch) *Staging {
	return &Staging{
		log:   l,
		batch: batch,
		next:  make(map[proto.ID]proto.Sequence),
	}
}

func (st *Staging) Append(project, resource proto.ID, includeChildren bool, kind proto.EventKind, payload []byte) (*proto.Event, error) {
	seq, ok := st.next[project]
	if !ok {
		seq = st.log.LastSeq(project)
	}
	seq++
	st.next[project] = seq

	ev := &proto.Event{
		ID:              eventID(project, seq),
		Project:         project,
		Seq:             seq,
		Resource:        resource,
		IncludeChildren: includeChildren,
		Kind:            kind,
		Payload:         payload,
	}
	if err := st.log.storage.PutEvent(st.batch, ev); err != nil {
		return nil, err
	}
	st.events = append(st.events, ev)
	return ev, nil
}

// Commit publishes the staged events after the owning batch was written.
func (st *Staging) Commit(ctx context.Context) {
	if len(st.events) == 0 {
		return
	}

	st.log.lock.Lock()
	for project, seq := range st.next {
		if seq > st.log.seqs[project] {
			st.log.seqs[project] = seq
		}
	}
	st.log.lock.Unlock()

	for _, ev := range st.events {
		metrics.AppendedEvents.WithLabelValues(ev.Kind.String()).Inc()
		if st.log.publisher != nil {
			st.log.publisher.Publish(ev)
		}
	}
}

// eventID derives the record id from (project, seq) so all replicas mint
// the same id for the same committed event.
func eventID(project proto.ID, seq proto.Sequence) proto.ID {
	var raw [24]byte
	copy(raw[:16], project[:])
	binary.BigEndian.PutUint64(raw[16:], seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, raw[:])
}
