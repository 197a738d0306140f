package proto

type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventKindNodeCreated
	EventKindNodeUpdated
	EventKindNodeDeleted
	EventKindRelationCreated
	EventKindRelationDeleted
	EventKindGrantChanged
	EventKindSyncFinished
)

func (k EventKind) String() string {
	switch k {
	case EventKindNodeCreated:
		return "NodeCreated"
	case EventKindNodeUpdated:
		return "NodeUpdated"
	case EventKindNodeDeleted:
		return "NodeDeleted"
	case EventKindRelationCreated:
		return "RelationCreated"
	case EventKindRelationDeleted:
		return "RelationDeleted"
	case EventKindGrantChanged:
		return "GrantChanged"
	case EventKindSyncFinished:
		return "SyncFinished"
	default:
		return "Unknown"
	}
}

// Event is one committed, resource-affecting change. Seq is assigned in
// commit order and is strictly increasing within Project; it is the
// externally observable order of operations.
type Event struct {
	ID              ID        `json:"id"`
	Project         ID        `json:"project"`
	Seq             Sequence  `json:"seq"`
	Resource        ID        `json:"resource"`
	IncludeChildren bool      `json:"include_children"`
	Kind            EventKind `json:"kind"`
	Payload         []byte    `json:"payload,omitempty"`
}

// ConsumerInfo describes a durable subscription over one resource subtree.
// Cursor is the last acknowledged sequence number.
type ConsumerInfo struct {
	ID                  ID       `json:"id"`
	Resource            ID       `json:"resource"`
	IncludeSubresources bool     `json:"include_subresources"`
	Cursor              Sequence `json:"cursor"`
}

type SyncState int

const (
	SyncStateUnknown SyncState = iota
	SyncStateRequested
	SyncStateStarted
	SyncStatePolling
	SyncStateCompleted
	SyncStateFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateRequested:
		return "Requested"
	case SyncStateStarted:
		return "Started"
	case SyncStatePolling:
		return "Polling"
	case SyncStateCompleted:
		return "Completed"
	case SyncStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s SyncState) Terminal() bool {
	return s == SyncStateCompleted || s == SyncStateFailed
}

type SyncToEndpointRequest struct {
	Endpoint ID `json:"endpoint"`
	Resource ID `json:"resource"`
}

type SyncToEndpointResponse struct {
	SyncID ID `json:"sync_id"`
}

// GetSyncStatusResponse collapses the internal pre-terminal states into
// Pending: callers only ever observe Pending, Completed or Failed.
type GetSyncStatusResponse struct {
	SyncID ID     `json:"sync_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
