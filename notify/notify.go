package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/scidatahub/catalogdb/common/kvstore"
	"github.com/scidatahub/catalogdb/eventlog"
	"github.com/scidatahub/catalogdb/metrics"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

const CF = kvstore.CF("notify")

const defaultSubscriberBuffer = 64

// Notification is one durable per-user entry. Keyed by (user, event id),
// so delivering the same event twice cannot create a second row.
type Notification struct {
	User     proto.ID        `json:"user"`
	EventID  proto.ID        `json:"event_id"`
	Project  proto.ID        `json:"project"`
	Seq      proto.Sequence  `json:"seq"`
	Resource proto.ID        `json:"resource"`
	Kind     proto.EventKind `json:"kind"`
	Payload  []byte          `json:"payload,omitempty"`
}

type Config struct {
	Store *store.Store `json:"-"`

	SubscriberBuffer int `json:"subscriber_buffer"`
}

// Subscription is one live listener. Events arrive on C at least once;
// a listener that falls behind loses messages and is expected to re-read
// from its durable consumer cursor.
type Subscription struct {
	ID proto.ID
	C  chan *proto.Event

	filter proto.ConsumerInfo
}

// Dispatcher fans committed events out to durable per-user notifications
// and to live subscribers. It is the event log's publisher, so it observes
// every commit exactly once per local apply. Fanout runs on its own
// goroutine and Publish only queues: the commit path calls it while the
// applier still holds the graph write lock, and the fanout goroutine
// re-enters the graph through the subscriber filters, so any wait here
// would deadlock commit application.
type Dispatcher struct {
	kvStore   kvstore.Store
	hierarchy eventlog.Hierarchy

	bufferSize  int
	subscribers map[proto.ID]*Subscription
	lock        sync.RWMutex

	pending  []*proto.Event
	pendingC *sync.Cond
	closed   bool
	pendLock sync.Mutex

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(cfg *Config) *Dispatcher {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	d := &Dispatcher{
		kvStore:     cfg.Store.KVStore(),
		bufferSize:  cfg.SubscriberBuffer,
		subscribers: make(map[proto.ID]*Subscription),
	}
	d.pendingC = sync.NewCond(&d.pendLock)
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) SetHierarchy(h eventlog.Hierarchy) { d.hierarchy = h }

// Publish implements eventlog.Publisher. It never blocks, whatever the
// fanout goroutine is doing.
func (d *Dispatcher) Publish(ev *proto.Event) {
	d.pendLock.Lock()
	if !d.closed {
		d.pending = append(d.pending, ev)
		d.pendingC.Signal()
	}
	d.pendLock.Unlock()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ctx := context.Background()

	for {
		d.pendLock.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.pendingC.Wait()
		}
		if len(d.pending) == 0 {
			d.pendLock.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.pendLock.Unlock()

		for _, ev := range batch {
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *proto.Event) {
	if user, ok := notifyTarget(ev); ok {
		if err := d.putNotification(ctx, user, ev); err != nil {
			log.Errorf("store notification for user[%s] event[%s] failed: %s", user, ev.ID, err.Error())
		}
	}

	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, sub := range d.subscribers {
		if !d.matches(ctx, &sub.filter, ev) {
			continue
		}
		select {
		case sub.C <- ev:
			metrics.NotificationsFanout.Inc()
		default:
			log.Warnf("subscriber[%s] is not keeping up, dropping event[%s]", sub.ID, ev.ID)
		}
	}
}

// notifyTarget picks the user a durable notification is for. Permission
// changes go to the grant's subject; other kinds have no single addressee
// and stay fanout-only.
func notifyTarget(ev *proto.Event) (proto.ID, bool) {
	if ev.Kind != proto.EventKindGrantChanged {
		return proto.ID{}, false
	}
	grant := &proto.Grant{}
	if err := json.Unmarshal(ev.Payload, grant); err != nil {
		return proto.ID{}, false
	}
	return grant.Subject, true
}

func (d *Dispatcher) putNotification(ctx context.Context, user proto.ID, ev *proto.Event) error {
	n := &Notification{
		User:     user,
		EventID:  ev.ID,
		Project:  ev.Project,
		Seq:      ev.Seq,
		Resource: ev.Resource,
		Kind:     ev.Kind,
		Payload:  ev.Payload,
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.kvStore.SetRaw(ctx, CF, encodeNotificationKey(user, ev.ID), data)
}

func (d *Dispatcher) ListNotifications(ctx context.Context, user proto.ID) (ret []*Notification, err error) {
	lr := d.kvStore.List(ctx, CF, encodeUserPrefix(user), nil, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return ret, nil
		}
		n := &Notification{}
		if err := json.Unmarshal(value, n); err != nil {
			return nil, err
		}
		ret = append(ret, n)
	}
}

func (d *Dispatcher) AckNotification(ctx context.Context, user, eventID proto.ID) error {
	return d.kvStore.Delete(ctx, CF, encodeNotificationKey(user, eventID))
}

// Subscribe registers a live listener over one resource subtree.
func (d *Dispatcher) Subscribe(ctx context.Context, filter proto.ConsumerInfo) *Subscription {
	span := trace.SpanFromContextSafe(ctx)

	sub := &Subscription{
		ID:     proto.NewID(),
		C:      make(chan *proto.Event, d.bufferSize),
		filter: filter,
	}
	d.lock.Lock()
	d.subscribers[sub.ID] = sub
	d.lock.Unlock()

	span.Infof("subscriber[%s] attached to resource[%s]", sub.ID, filter.Resource)
	return sub
}

func (d *Dispatcher) Unsubscribe(id proto.ID) {
	d.lock.Lock()
	sub := d.subscribers[id]
	delete(d.subscribers, id)
	d.lock.Unlock()
	if sub != nil {
		close(sub.C)
	}
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.pendLock.Lock()
		d.closed = true
		d.pendingC.Broadcast()
		d.pendLock.Unlock()
	})
	d.wg.Wait()

	d.lock.Lock()
	defer d.lock.Unlock()
	for id, sub := range d.subscribers {
		delete(d.subscribers, id)
		close(sub.C)
	}
}

func (d *Dispatcher) matches(ctx context.Context, filter *proto.ConsumerInfo, ev *proto.Event) bool {
	if filter.Resource == (proto.ID{}) || ev.Resource == filter.Resource {
		return true
	}
	if filter.IncludeSubresources && d.hierarchy != nil {
		if ok, err := d.hierarchy.IsDescendantOf(ctx, ev.Resource, filter.Resource); err == nil && ok {
			return true
		}
	}
	if ev.IncludeChildren && d.hierarchy != nil {
		if ok, err := d.hierarchy.IsDescendantOf(ctx, filter.Resource, ev.Resource); err == nil && ok {
			return true
		}
	}
	return false
}

func encodeNotificationKey(user, eventID proto.ID) []byte {
	ret := make([]byte, 0, 32)
	ret = append(ret, user[:]...)
	return append(ret, eventID[:]...)
}

func encodeUserPrefix(user proto.ID) []byte {
	ret := make([]byte, 0, 16)
	return append(ret, user[:]...)
}
