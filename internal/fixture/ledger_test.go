package fixture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture(t *testing.T) {
	_, cat := newBuilder(t)
	customer := cat.MustGet("customer")

	t.Run("string id", func(t *testing.T) {
		inst, err := Capture(customer, Payload{"first_name": "a"}, []byte(`{"id":"c-1","first_name":"a"}`))
		require.NoError(t, err)
		assert.Equal(t, "c-1", inst.ID)
		assert.Equal(t, "customer/c-1", inst.String())
		assert.Equal(t, "/customers/c-1", inst.Path())
	})

	t.Run("numeric id", func(t *testing.T) {
		inst, err := Capture(customer, nil, []byte(`{"id":1042}`))
		require.NoError(t, err)
		assert.Equal(t, "1042", inst.ID)
	})

	t.Run("numeric id beyond float precision", func(t *testing.T) {
		inst, err := Capture(customer, nil, []byte(`{"id":9007199254740993}`))
		require.NoError(t, err)
		assert.Equal(t, "9007199254740993", inst.ID)
	})

	t.Run("array body", func(t *testing.T) {
		_, err := Capture(customer, nil, []byte(`[{"id":1}]`))
		assert.Error(t, err)
	})

	t.Run("no id", func(t *testing.T) {
		_, err := Capture(customer, nil, []byte(`{"first_name":"a"}`))
		assert.ErrorContains(t, err, `has no "id"`)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Capture(customer, nil, []byte(`<html>`))
		assert.Error(t, err)
	})
}

func TestInstance_CascadeIDs(t *testing.T) {
	_, cat := newBuilder(t)
	customer := cat.MustGet("customer")

	payload := Payload{"create_job_site": true, "create_estimate": true}
	inst, err := Capture(customer, payload, []byte(`{"id":"c","site_id":"s"}`))
	require.NoError(t, err)

	ids, missing := inst.CascadeIDs()
	assert.Equal(t, map[string]string{"site": "s"}, ids)
	require.Len(t, missing, 1)
	assert.Equal(t, "estimate_id", missing[0].IDField)
}

func TestLedger(t *testing.T) {
	_, cat := newBuilder(t)
	l := NewLedger()

	c := &Instance{Spec: cat.MustGet("customer"), ID: "c"}
	s := &Instance{Spec: cat.MustGet("site"), ID: "s", CascadedFrom: "customer"}
	o := &Instance{Spec: cat.MustGet("order"), ID: "o"}
	l.Add(c)
	l.Add(s)
	l.Add(o)

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []*Instance{c, s, o}, l.Instances())
	assert.Equal(t, []*Instance{o, s, c}, l.Reverse())

	got, ok := l.Lookup("site")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.False(t, l.Has("item"))
}

func TestLedger_LookupSkipsSpare(t *testing.T) {
	_, cat := newBuilder(t)
	l := NewLedger()

	c := &Instance{Spec: cat.MustGet("customer"), ID: "c"}
	spare := &Instance{Spec: cat.MustGet("customer"), ID: "c-2", Spare: true}
	l.Add(c)
	l.Add(spare)

	got, ok := l.Lookup("customer")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, []*Instance{spare, c}, l.Reverse())

	only := NewLedger()
	only.Add(spare)
	assert.False(t, only.Has("customer"))
}
