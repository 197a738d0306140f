package proto

type NodeType int

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeUser
	NodeTypeServiceAccount
	NodeTypeGroup
	NodeTypeToken
	NodeTypeProject
	NodeTypeCollection
	NodeTypeDataset
	NodeTypeObject
	NodeTypeRealm
	NodeTypeEndpoint
	NodeTypeHook
	NodeTypeWorkspace
	NodeTypeRule
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeUser:
		return "User"
	case NodeTypeServiceAccount:
		return "ServiceAccount"
	case NodeTypeGroup:
		return "Group"
	case NodeTypeToken:
		return "Token"
	case NodeTypeProject:
		return "Project"
	case NodeTypeCollection:
		return "Collection"
	case NodeTypeDataset:
		return "Dataset"
	case NodeTypeObject:
		return "Object"
	case NodeTypeRealm:
		return "Realm"
	case NodeTypeEndpoint:
		return "Endpoint"
	case NodeTypeHook:
		return "Hook"
	case NodeTypeWorkspace:
		return "Workspace"
	case NodeTypeRule:
		return "Rule"
	default:
		return "Unknown"
	}
}

// IsHierarchyRoot reports whether nodes of this type root a BELONGS_TO tree.
func (t NodeType) IsHierarchyRoot() bool {
	return t == NodeTypeProject || t == NodeTypeRealm
}

// IsSubject reports whether nodes of this type may hold permission grants.
func (t NodeType) IsSubject() bool {
	switch t {
	case NodeTypeUser, NodeTypeServiceAccount, NodeTypeGroup, NodeTypeToken:
		return true
	default:
		return false
	}
}

type Node struct {
	ID      ID        `json:"id"`
	Type    NodeType  `json:"type"`
	Name    string    `json:"name"`
	Attrs   NodeAttrs `json:"attrs"`
	Version uint64    `json:"version"`
}

// NodeAttrs is a tagged variant keyed by node type. Exactly one branch is
// set; the owner's type decides which one is legal.
type NodeAttrs struct {
	User      *UserAttrs      `json:"user,omitempty"`
	Group     *GroupAttrs     `json:"group,omitempty"`
	Token     *TokenAttrs     `json:"token,omitempty"`
	Resource  *ResourceAttrs  `json:"resource,omitempty"`
	Endpoint  *EndpointAttrs  `json:"endpoint,omitempty"`
	Hook      *HookAttrs      `json:"hook,omitempty"`
	Workspace *WorkspaceAttrs `json:"workspace,omitempty"`
	Rule      *RuleAttrs      `json:"rule,omitempty"`
}

type UserAttrs struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	GlobalAdmin bool   `json:"global_admin"`
	Active      bool   `json:"active"`
}

type GroupAttrs struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type TokenAttrs struct {
	Name      string `json:"name"`
	ExpiresAt int64  `json:"expires_at"`
}

// ResourceAttrs covers Project, Collection, Dataset and Object nodes.
// ContentLen and Hashes are facts recorded by the data path, the core does
// not interpret them.
type ResourceAttrs struct {
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels,omitempty"`
	DataClass   string            `json:"data_class,omitempty"`
	ContentLen  int64             `json:"content_len,omitempty"`
	Hashes      map[string]string `json:"hashes,omitempty"`
}

type EndpointAttrs struct {
	Host     string `json:"host"`
	Variant  string `json:"variant"`
	IsPublic bool   `json:"is_public"`
}

type HookAttrs struct {
	Trigger     string `json:"trigger"`
	CallbackURL string `json:"callback_url"`
}

type WorkspaceAttrs struct {
	Description string `json:"description"`
	OwnerHint   string `json:"owner_hint,omitempty"`
}

type RuleAttrs struct {
	Expression string `json:"expression"`
	Public     bool   `json:"public"`
}

// Relation is a typed, directed edge between two nodes. The name must be
// registered for the (OriginType, TargetType) pair before an edge may carry
// it.
type Relation struct {
	ID                ID         `json:"id"`
	Origin            ID         `json:"origin"`
	OriginType        NodeType   `json:"origin_type"`
	Name              RelationID `json:"name"`
	Target            ID         `json:"target"`
	TargetType        NodeType   `json:"target_type"`
	TargetDisplayName string     `json:"target_display_name"`
}
