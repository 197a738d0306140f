package proto

// PermissionLevel values keep the wire numbering of the original catalog:
// an explicit DENY is distinct from the empty default NONE and always wins
// during resolution.
type PermissionLevel int32

const (
	PermissionUnknown PermissionLevel = iota
	PermissionDeny
	PermissionNone
	PermissionRead
	PermissionAppend
	PermissionWrite
	PermissionAdmin
)

func (l PermissionLevel) String() string {
	switch l {
	case PermissionDeny:
		return "DENY"
	case PermissionNone:
		return "NONE"
	case PermissionRead:
		return "READ"
	case PermissionAppend:
		return "APPEND"
	case PermissionWrite:
		return "WRITE"
	case PermissionAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// Grant is owned by the resource it targets and is cascade-deleted with
// either endpoint. Cascading grants propagate down the BELONGS_TO tree.
type Grant struct {
	Subject   ID              `json:"subject"`
	Resource  ID              `json:"resource"`
	Level     PermissionLevel `json:"level"`
	Cascading bool            `json:"cascading"`
}

// Subject is the verified identity handed in by the token layer. The
// GlobalAdmin capability flag short-circuits permission resolution.
type Subject struct {
	ID          ID   `json:"id"`
	GlobalAdmin bool `json:"global_admin"`
}
