package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OpenGetClose(t *testing.T) {
	ls := newLiveServer(t)
	r := NewRegistry(ConfigFactory(testConfig(ls, ""), quietLogger()), quietLogger())

	a, err := r.Open("a")
	require.NoError(t, err)
	again, err := r.Open("a")
	require.NoError(t, err)
	assert.Same(t, a, again, "Open should return the existing client")
	assert.Equal(t, "a", a.ResourceID())

	b, err := r.Open("b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	require.NoError(t, r.Close(context.Background(), "a"))
	assert.ErrorIs(t, r.Close(context.Background(), "a"), ErrNotFound)
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CloseAll(t *testing.T) {
	ls := newLiveServer(t)
	r := NewRegistry(ConfigFactory(testConfig(ls, ""), quietLogger()), quietLogger())

	var clients []*Client
	for _, id := range []string{"a", "b", "c"} {
		c, err := r.Open(id)
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		clients = append(clients, c)
	}

	require.NoError(t, r.CloseAll(context.Background()))
	assert.Equal(t, 0, r.Len())

	for _, c := range clients {
		assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(ConfigFactory(DefaultConfig(), quietLogger()), nil)

	_, err := r.Open("a")
	require.ErrorIs(t, err, ErrNoBaseURL)
	assert.Equal(t, 0, r.Len())
}
