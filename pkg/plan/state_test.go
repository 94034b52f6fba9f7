package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

func TestEngineStateRoundTrip(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()

	e := newTestEngine()
	shedAt := time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)
	e.st.lastPlannedShed["c"] = struct{}{}
	e.st.lastDeviceShed["c"] = shedAt
	e.st.pendingSwaps["a"] = shedAt
	e.st.swappedOutFor["c"] = "a"
	e.st.inShortfall = true
	e.PersistState(ctx, mem)

	fresh := newTestEngine()
	fresh.LoadState(ctx, mem)

	assert.Contains(t, fresh.st.lastPlannedShed, "c")
	assert.True(t, fresh.st.lastDeviceShed["c"].Equal(shedAt))
	assert.Contains(t, fresh.st.pendingSwaps, "a")
	assert.Equal(t, "a", fresh.st.swappedOutFor["c"])
	assert.True(t, fresh.Guard().InShortfall())
}

func TestLoadStateLegacyShortfallFlag(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, types.KeyCapacityInShortfall, true))

	e := newTestEngine()
	e.LoadState(ctx, mem)

	assert.True(t, e.Guard().InShortfall())
}
