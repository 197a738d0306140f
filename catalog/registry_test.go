package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/proto"
)

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()

	for name, id := range map[string]proto.RelationID{
		"BELONGS_TO": RelationBelongsTo,
		"VERSION":    RelationVersion,
		"METADATA":   RelationMetadata,
		"ORIGIN":     RelationOrigin,
		"POLICY":     RelationPolicy,
	} {
		got, ok := r.Lookup(name)
		require.True(t, ok)
		require.Equal(t, id, got)
	}

	require.True(t, r.Permits(proto.NodeTypeCollection, RelationBelongsTo, proto.NodeTypeProject))
	require.True(t, r.Permits(proto.NodeTypeObject, RelationBelongsTo, proto.NodeTypeDataset))
	require.True(t, r.Permits(proto.NodeTypeUser, RelationBelongsTo, proto.NodeTypeGroup))
	require.False(t, r.Permits(proto.NodeTypeProject, RelationBelongsTo, proto.NodeTypeObject))
	require.False(t, r.Permits(proto.NodeTypeUser, RelationVersion, proto.NodeTypeUser))
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()

	err := r.Validate(&proto.Relation{
		OriginType: proto.NodeTypeDataset,
		Name:       RelationBelongsTo,
		TargetType: proto.NodeTypeCollection,
	})
	require.NoError(t, err)

	err = r.Validate(&proto.Relation{
		OriginType: proto.NodeTypeProject,
		Name:       RelationBelongsTo,
		TargetType: proto.NodeTypeCollection,
	})
	require.Equal(t, apierrors.ErrInvalidRelation, err)
}

func TestRegistry_RegisterCustom(t *testing.T) {
	r := NewRegistry()

	id, err := r.RegisterCustom("DERIVED_FROM", [][2]proto.NodeType{
		{proto.NodeTypeObject, proto.NodeTypeObject},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint32(id), uint32(20))

	require.True(t, r.Permits(proto.NodeTypeObject, id, proto.NodeTypeObject))
	require.False(t, r.Permits(proto.NodeTypeObject, id, proto.NodeTypeDataset))

	// registering the same name again extends it in place
	again, err := r.RegisterCustom("DERIVED_FROM", [][2]proto.NodeType{
		{proto.NodeTypeObject, proto.NodeTypeDataset},
	})
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.True(t, r.Permits(proto.NodeTypeObject, id, proto.NodeTypeDataset))

	next, err := r.RegisterCustom("ANNOTATES", [][2]proto.NodeType{
		{proto.NodeTypeObject, proto.NodeTypeProject},
	})
	require.NoError(t, err)
	require.Equal(t, id+1, next)

	_, err = r.RegisterCustom("", nil)
	require.Error(t, err)
}

func TestRegistry_LoadCustomTypes(t *testing.T) {
	content := `
relations:
  - name: COMPILED_FROM
    permits:
      - origin: Object
        target: Object
      - origin: Dataset
        target: Dataset
  - name: MIRRORS
    permits:
      - origin: Collection
        target: Collection
`
	path := filepath.Join(t.TempDir(), "relations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadCustomTypes(path))

	id, ok := r.Lookup("COMPILED_FROM")
	require.True(t, ok)
	require.True(t, r.Permits(proto.NodeTypeObject, id, proto.NodeTypeObject))
	require.True(t, r.Permits(proto.NodeTypeDataset, id, proto.NodeTypeDataset))

	id, ok = r.Lookup("MIRRORS")
	require.True(t, ok)
	require.True(t, r.Permits(proto.NodeTypeCollection, id, proto.NodeTypeCollection))

	badPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte(`
relations:
  - name: BROKEN
    permits:
      - origin: NoSuchType
        target: Object
`), 0o644))
	require.Error(t, NewRegistry().LoadCustomTypes(badPath))
}
