package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitapp/conduit/pkg/cache"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	d := Defaults()
	assert.Equal(t, 5, d.RAGTopK)
	assert.Equal(t, 20, d.RAGMaxCandidates)
	assert.Equal(t, 30, d.HistoryLimit)
	assert.NotEmpty(t, d.ChatModel)
}

func TestAccessor_NoStoreFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	acc := New(nil)

	s := acc.Get(context.Background())
	assert.Equal(t, Defaults(), s)
}

func TestAccessor_CachesSnapshot(t *testing.T) {
	t.Parallel()

	mem := cache.NewMemory[Settings](cache.WithCleanupInterval(0))
	t.Cleanup(func() { _ = mem.Close() })

	acc := New(nil, WithCache(mem), WithTTL(time.Minute))

	first := acc.Get(context.Background())

	// Poison the cache to prove subsequent reads hit it.
	poisoned := first
	poisoned.RAGTopK = 99
	require.NoError(t, mem.Set(context.Background(), "settings:dynamic", poisoned, time.Minute))

	second := acc.Get(context.Background())
	assert.Equal(t, 99, second.RAGTopK)
}

func TestMerge_PartialDocumentKeepsDefaults(t *testing.T) {
	t.Parallel()

	merged := merge(Settings{RAGTopK: 11})
	assert.Equal(t, 11, merged.RAGTopK)
	assert.Equal(t, Defaults().RAGMaxCandidates, merged.RAGMaxCandidates)
	assert.Equal(t, Defaults().ChatModel, merged.ChatModel)
	assert.Equal(t, Defaults().HistoryLimit, merged.HistoryLimit)
}
