package adapter

import (
	"testing"

	"dr-orchestrator/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name       string
		components []Component
		wantErr    bool
	}{
		{
			name: "valid set",
			components: []Component{
				{ID: "orders-db", Kind: KindDatabase, Order: 1},
				{ID: "session-cache", Kind: KindCache, Order: 2},
			},
			wantErr: false,
		},
		{
			name: "missing ID",
			components: []Component{
				{Kind: KindDatabase},
			},
			wantErr: true,
		},
		{
			name: "duplicate ID",
			components: []Component{
				{ID: "orders-db", Kind: KindDatabase},
				{ID: "orders-db", Kind: KindCache},
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			components: []Component{
				{ID: "orders-db", Kind: Kind("queue")},
			},
			wantErr: true,
		},
		{
			name: "unknown consistency peer",
			components: []Component{
				{ID: "orders-db", Kind: KindDatabase, ConsistentWith: []string{"ghost"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.components)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.IsKind(err, fault.KindConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistryOrdering(t *testing.T) {
	registry, err := NewRegistry([]Component{
		{ID: "uploads", Kind: KindFilesystem, Order: 3},
		{ID: "orders-db", Kind: KindDatabase, Order: 1},
		{ID: "session-cache", Kind: KindCache, Order: 2},
	})
	require.NoError(t, err)

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "orders-db", all[0].ID)
	assert.Equal(t, "session-cache", all[1].ID)
	assert.Equal(t, "uploads", all[2].ID)
}

func TestRegistryGet(t *testing.T) {
	registry, err := NewRegistry([]Component{
		{ID: "orders-db", Kind: KindDatabase},
	})
	require.NoError(t, err)

	comp, err := registry.Get("orders-db")
	require.NoError(t, err)
	assert.Equal(t, "orders-db", comp.ID)

	_, err = registry.Get("ghost")
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestConsistencyGroupClosure(t *testing.T) {
	// A declares B, C declares B: the group is symmetric and transitive,
	// so all three belong together regardless of who declared whom.
	registry, err := NewRegistry([]Component{
		{ID: "a", Kind: KindDatabase, Order: 1, ConsistentWith: []string{"b"}},
		{ID: "b", Kind: KindCache, Order: 2},
		{ID: "c", Kind: KindFilesystem, Order: 3, ConsistentWith: []string{"b"}},
		{ID: "lonely", Kind: KindDatabase, Order: 4},
	})
	require.NoError(t, err)

	ids := func(components []Component) []string {
		out := make([]string, len(components))
		for i, c := range components {
			out[i] = c.ID
		}
		return out
	}

	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(registry.ConsistencyGroup("a")))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(registry.ConsistencyGroup("b")))
	assert.ElementsMatch(t, []string{"lonely"}, ids(registry.ConsistencyGroup("lonely")))
}

func TestComponentParams(t *testing.T) {
	c := Component{
		ID: "orders-db",
		Params: map[string]string{
			"driver":            "pgx",
			"structure_markers": "CREATE TABLE, PostgreSQL database dump",
		},
	}

	assert.Equal(t, "pgx", c.Param("driver", "mysql"))
	assert.Equal(t, "mysql", c.Param("missing", "mysql"))
	assert.Equal(t, []string{"CREATE TABLE", "PostgreSQL database dump"},
		c.ParamList("structure_markers"))
	assert.Nil(t, c.ParamList("missing"))
}
