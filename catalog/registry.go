package catalog

import (
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/proto"
	"gopkg.in/yaml.v3"
)

// Built-in relation names sit at fixed low indices; custom names are
// assigned from customRelationBase up so they can never collide.
const (
	RelationBelongsTo proto.RelationID = iota + 1
	RelationVersion
	RelationMetadata
	RelationOrigin
	RelationPolicy

	customRelationBase proto.RelationID = 20
)

type typePair struct {
	origin proto.NodeType
	target proto.NodeType
}

type tripleKey struct {
	origin proto.NodeType
	name   proto.RelationID
	target proto.NodeType
}

// Registry holds the known relation names and the (origin type, name,
// target type) triples each one permits.
type Registry struct {
	names      map[proto.RelationID]string
	ids        map[string]proto.RelationID
	permitted  map[tripleKey]struct{}
	nextCustom proto.RelationID
	lock       sync.RWMutex
}

func NewRegistry() *Registry {
	r := &Registry{
		names:      make(map[proto.RelationID]string),
		ids:        make(map[string]proto.RelationID),
		permitted:  make(map[tripleKey]struct{}),
		nextCustom: customRelationBase,
	}
	r.bootstrap()
	return r
}

func (r *Registry) bootstrap() {
	builtins := []struct {
		id      proto.RelationID
		name    string
		permits []typePair
	}{
		{RelationBelongsTo, "BELONGS_TO", []typePair{
			{proto.NodeTypeCollection, proto.NodeTypeProject},
			{proto.NodeTypeDataset, proto.NodeTypeProject},
			{proto.NodeTypeDataset, proto.NodeTypeCollection},
			{proto.NodeTypeObject, proto.NodeTypeProject},
			{proto.NodeTypeObject, proto.NodeTypeCollection},
			{proto.NodeTypeObject, proto.NodeTypeDataset},
			{proto.NodeTypeUser, proto.NodeTypeGroup},
			{proto.NodeTypeServiceAccount, proto.NodeTypeGroup},
			{proto.NodeTypeToken, proto.NodeTypeUser},
			{proto.NodeTypeToken, proto.NodeTypeServiceAccount},
			{proto.NodeTypeEndpoint, proto.NodeTypeRealm},
			{proto.NodeTypeHook, proto.NodeTypeProject},
			{proto.NodeTypeRule, proto.NodeTypeProject},
			{proto.NodeTypeWorkspace, proto.NodeTypeProject},
		}},
		{RelationVersion, "VERSION", []typePair{
			{proto.NodeTypeObject, proto.NodeTypeObject},
			{proto.NodeTypeDataset, proto.NodeTypeDataset},
			{proto.NodeTypeCollection, proto.NodeTypeCollection},
		}},
		{RelationMetadata, "METADATA", []typePair{
			{proto.NodeTypeObject, proto.NodeTypeObject},
			{proto.NodeTypeObject, proto.NodeTypeDataset},
			{proto.NodeTypeObject, proto.NodeTypeCollection},
			{proto.NodeTypeObject, proto.NodeTypeProject},
		}},
		{RelationOrigin, "ORIGIN", []typePair{
			{proto.NodeTypeObject, proto.NodeTypeObject},
			{proto.NodeTypeDataset, proto.NodeTypeDataset},
			{proto.NodeTypeCollection, proto.NodeTypeCollection},
			{proto.NodeTypeObject, proto.NodeTypeWorkspace},
		}},
		{RelationPolicy, "POLICY", []typePair{
			{proto.NodeTypeRule, proto.NodeTypeProject},
			{proto.NodeTypeRule, proto.NodeTypeCollection},
			{proto.NodeTypeRule, proto.NodeTypeDataset},
			{proto.NodeTypeRule, proto.NodeTypeObject},
		}},
	}

	for _, b := range builtins {
		r.names[b.id] = b.name
		r.ids[b.name] = b.id
		for _, p := range b.permits {
			r.permitted[tripleKey{p.origin, b.id, p.target}] = struct{}{}
		}
	}
}

// RegisterCustom adds a custom relation name with its permitted type pairs
// and returns its assigned index. Registering an existing name extends its
// permitted pairs.
func (r *Registry) RegisterCustom(name string, permits [][2]proto.NodeType) (proto.RelationID, error) {
	if name == "" {
		return 0, errors.New("relation name is empty")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	id, ok := r.ids[name]
	if !ok {
		id = r.nextCustom
		r.nextCustom++
		r.names[id] = name
		r.ids[name] = id
	}
	for _, p := range permits {
		r.permitted[tripleKey{p[0], id, p[1]}] = struct{}{}
	}
	return id, nil
}

func (r *Registry) Name(id proto.RelationID) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	name, ok := r.names[id]
	return name, ok
}

func (r *Registry) Lookup(name string) (proto.RelationID, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	id, ok := r.ids[name]
	return id, ok
}

// Permits reports whether the (origin type, relation, target type) triple
// is registered.
func (r *Registry) Permits(origin proto.NodeType, name proto.RelationID, target proto.NodeType) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.permitted[tripleKey{origin, name, target}]
	return ok
}

func (r *Registry) Validate(rel *proto.Relation) error {
	if !r.Permits(rel.OriginType, rel.Name, rel.TargetType) {
		return apierrors.ErrInvalidRelation
	}
	return nil
}

type registryFile struct {
	Relations []struct {
		Name    string `yaml:"name"`
		Permits []struct {
			Origin string `yaml:"origin"`
			Target string `yaml:"target"`
		} `yaml:"permits"`
	} `yaml:"relations"`
}

// LoadCustomTypes bootstraps custom relation names from a YAML file.
func (r *Registry) LoadCustomTypes(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f := &registryFile{}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return errors.Info(err, "parse relation registry file failed")
	}

	for _, rel := range f.Relations {
		permits := make([][2]proto.NodeType, 0, len(rel.Permits))
		for _, p := range rel.Permits {
			origin, ok := nodeTypeByName(p.Origin)
			if !ok {
				return errors.Newf("unknown origin type %s for relation %s", p.Origin, rel.Name)
			}
			target, ok := nodeTypeByName(p.Target)
			if !ok {
				return errors.Newf("unknown target type %s for relation %s", p.Target, rel.Name)
			}
			permits = append(permits, [2]proto.NodeType{origin, target})
		}
		if _, err := r.RegisterCustom(rel.Name, permits); err != nil {
			return err
		}
	}
	return nil
}

func nodeTypeByName(name string) (proto.NodeType, bool) {
	for t := proto.NodeTypeUser; t <= proto.NodeTypeRule; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return proto.NodeTypeUnknown, false
}
