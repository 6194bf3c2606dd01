package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matindow/modi-api/internal/resource"
)

func TestNewDefinition(t *testing.T) {
	assert.Equal(t, "customer.GET", NewDefinition("customer", resource.OpRead).ID)
	assert.Equal(t, "item.POST[order_id]", NewDefinition("item", resource.OpCreate, "order_id").ID)
}

func TestGenerate(t *testing.T) {
	catalog, err := resource.Default()
	require.NoError(t, err)

	defs := Generate(catalog)
	// seven resources with four operations, item fans out create per parent
	require.Len(t, defs, 7*4+3+3)

	ids := make(map[string]bool, len(defs))
	for _, d := range defs {
		assert.False(t, ids[d.ID], "duplicate %s", d.ID)
		ids[d.ID] = true
	}
	for _, id := range []string{
		"customer.POST", "customer.DELETE", "sales_modifier.PATCH",
		"item.POST[order_id]", "item.POST[estimate_id]", "item.POST[site_id]",
		"item.GET[order_id]", "item.PATCH[order_id]", "item.DELETE[order_id]",
	} {
		assert.True(t, ids[id], id)
	}
	assert.False(t, ids["item.POST"])
	assert.Equal(t, "customer.POST", defs[0].ID)
}

func TestFilter(t *testing.T) {
	catalog, err := resource.Default()
	require.NoError(t, err)
	defs := Generate(catalog)

	assert.Len(t, Filter(defs, nil, nil), len(defs))

	got := Filter(defs, []string{"customer", "site"}, []string{"get", "DELETE"})
	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"customer.GET", "customer.DELETE", "site.GET", "site.DELETE"}, ids)

	assert.Len(t, Filter(defs, []string{"item"}, []string{"POST"}), 3)
}
