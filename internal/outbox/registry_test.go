package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, []byte) error { return nil }

	require.NoError(t, r.Register(" account.user_registered ", noop))
	assert.ErrorIs(t, r.Register("account.user_registered", noop), ErrHandlerAlreadyRegistered)
	assert.ErrorIs(t, r.Register("   ", noop), ErrEventTypeRequired)
	assert.ErrorIs(t, r.Register("x", nil), ErrHandlerRequired)

	_, ok := r.Lookup("account.user_registered")
	assert.True(t, ok)
	_, ok = r.Lookup("account.user_deleted")
	assert.False(t, ok)
	assert.Equal(t, []string{"account.user_registered"}, r.Types())
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, []byte) error { return nil }
	for _, typ := range []string{"c.third", "a.first", "b.second", "e.fifth", "d.fourth"} {
		require.NoError(t, r.Register(typ, noop))
	}
	assert.Equal(t, []string{"a.first", "b.second", "c.third", "d.fourth", "e.fifth"}, r.Types())
}

func TestTyped_DecodesPayload(t *testing.T) {
	var got note
	h := Typed(func(_ context.Context, n note) error {
		got = n
		return nil
	})

	require.NoError(t, h(context.Background(), []byte(`{"n":7}`)))
	assert.Equal(t, note{N: 7}, got)
	assert.Error(t, h(context.Background(), []byte(`{`)))
}
