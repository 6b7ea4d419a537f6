package secrets

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotatingSource returns values[n] on the n-th fetch of any path.
type rotatingSource struct {
	mu     sync.Mutex
	values []string
	err    error
	calls  int
}

func (r *rotatingSource) GetSecret(_ context.Context, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	v := r.values[r.calls%len(r.values)]
	r.calls++
	return v, nil
}

func (r *rotatingSource) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestCache_GetMemoises(t *testing.T) {
	src := &rotatingSource{values: []string{"tok-1", "tok-2"}}
	c := NewCache(src)
	ctx := context.Background()

	v, gen, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v)

	v2, gen2, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v2)
	assert.Equal(t, gen, gen2)
	assert.Equal(t, 1, src.callCount())
}

func TestCache_InvalidateTriggersRefetch(t *testing.T) {
	src := &rotatingSource{values: []string{"tok-1", "tok-2"}}
	c := NewCache(src)
	ctx := context.Background()

	_, gen, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)

	assert.True(t, c.Invalidate("mail-token", gen))

	v, gen2, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", v, "rotated secret picked up after invalidation")
	assert.NotEqual(t, gen, gen2)
}

func TestCache_StaleGenerationDoesNotInvalidate(t *testing.T) {
	src := &rotatingSource{values: []string{"tok-1", "tok-2"}}
	c := NewCache(src)
	ctx := context.Background()

	_, gen1, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)

	// A concurrent caller already rotated the entry.
	require.True(t, c.Invalidate("mail-token", gen1))
	v, _, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)
	require.Equal(t, "tok-2", v)

	// The straggler's invalidation with the old generation is a no-op: it
	// must not throw away the freshly fetched value.
	assert.False(t, c.Invalidate("mail-token", gen1))
	v2, _, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", v2)
	assert.Equal(t, 2, src.callCount())
}

func TestCache_InvalidateUnknownPath(t *testing.T) {
	c := NewCache(&rotatingSource{values: []string{"tok-1"}})
	assert.False(t, c.Invalidate("never-fetched", 1))
}

func TestCache_FetchErrorIsNotCached(t *testing.T) {
	src := &rotatingSource{err: errors.New("secrets manager unavailable")}
	c := NewCache(src)
	ctx := context.Background()

	_, _, err := c.Get(ctx, "mail-token")
	require.Error(t, err)

	src.mu.Lock()
	src.err = nil
	src.values = []string{"tok-1"}
	src.mu.Unlock()

	v, _, err := c.Get(ctx, "mail-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v, "transient fetch failure does not poison the entry")
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{"a": "1"}

	v, err := src.GetSecret(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = src.GetSecret(context.Background(), "missing")
	assert.Error(t, err)
}
