/*
Copyright proxycache Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package slotpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/airnsk/proxycache/pkg/proxycache/backendclient"
	"github.com/airnsk/proxycache/pkg/proxycache/metaindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, backendCount, slotsPerBackend int, simRatio float64, pinned map[string]struct{}) *Pool {
	t.Helper()
	var backends []Backend
	for i := 0; i < backendCount; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(srv.Close)
		backends = append(backends, Backend{
			ID:     i,
			URL:    srv.URL,
			Slots:  slotsPerBackend,
			Client: backendclient.New(srv.URL, 5*time.Second),
		})
	}

	idx, err := metaindex.New(t.TempDir())
	require.NoError(t, err)

	return New(backends, Config{
		ModelID:            "test-model",
		SimilarityMinRatio: simRatio,
		PinnedKeys:         pinned,
		DiskMetaScanLimit:  100,
		Meta:               idx,
	})
}

func chain(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i%26))
	}
	return out
}

func TestAllSlots_CartesianProduct(t *testing.T) {
	p := newTestPool(t, 2, 3, 0.85, nil)
	assert.Len(t, p.AllSlots(), 6)
}

func TestAcquireFreeOrCold_PrefersFreeOnPreferredBackend(t *testing.T) {
	p := newTestPool(t, 2, 2, 0.85, nil)
	g, err := p.AcquireFreeOrCold(nil, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 1, g.BackendID)
}

func TestAcquireFreeOrCold_FallsBackToAnyFree(t *testing.T) {
	p := newTestPool(t, 1, 1, 0.85, nil)
	g, err := p.AcquireFreeOrCold(nil, 5, true)
	require.NoError(t, err)
	assert.Equal(t, GSlot{BackendID: 0, LocalID: 0}, g)
}

func TestAcquireFreeOrCold_FallsBackToPinnedSlotAsLastResort(t *testing.T) {
	pinned := map[string]struct{}{"pinnedkey": {}}
	p := newTestPool(t, 1, 1, 0.85, pinned)

	ctx := context.Background()
	res, err := p.EnsureSlotForRequest(ctx, "pinnedkey", "prefix text", chain(5), 16)
	require.NoError(t, err)
	p.Release(res.Slot)

	// Every global slot is occupied by a pinned binding: the ladder must
	// still return it (oldest-occupied, last resort) rather than error, and
	// must only report ErrNoSlots when truly nothing exists to return.
	g, err := p.AcquireFreeOrCold(nil, 0, false)
	require.NoError(t, err)
	assert.Equal(t, res.Slot, g)
}

func TestAcquireFreeOrCold_ErrorsWhenExcludeCoversEverySlot(t *testing.T) {
	p := newTestPool(t, 1, 1, 0.85, nil)
	exclude := map[GSlot]struct{}{{BackendID: 0, LocalID: 0}: {}}
	_, err := p.AcquireFreeOrCold(exclude, 0, false)
	assert.ErrorIs(t, err, ErrNoSlots)
}

func TestEnsureSlotForRequest_ColdThenActiveExact(t *testing.T) {
	p := newTestPool(t, 1, 2, 0.85, nil)
	ctx := context.Background()
	blocks := chain(10)

	first, err := p.EnsureSlotForRequest(ctx, "key1", "prefix", blocks, 16)
	require.NoError(t, err)
	assert.Equal(t, "cold", first.Source)
	p.Release(first.Slot)

	second, err := p.EnsureSlotForRequest(ctx, "key1", "prefix", blocks, 16)
	require.NoError(t, err)
	assert.Equal(t, "active-exact", second.Source)
	assert.Equal(t, first.Slot, second.Slot)
	p.Release(second.Slot)
}

func TestEnsureSlotForRequest_ActiveLCPAboveThreshold(t *testing.T) {
	p := newTestPool(t, 1, 2, 0.5, nil)
	ctx := context.Background()
	base := chain(10)

	first, err := p.EnsureSlotForRequest(ctx, "keyA", "prefix a", base, 16)
	require.NoError(t, err)
	p.Release(first.Slot)

	similar := append([]string{}, base[:8]...)
	similar = append(similar, "zz", "yy")
	second, err := p.EnsureSlotForRequest(ctx, "keyB", "prefix b", similar, 16)
	require.NoError(t, err)
	assert.Equal(t, "active-lcp", second.Source)
	assert.Equal(t, first.Slot, second.Slot)
	p.Release(second.Slot)
}

func TestEnsureSlotForRequest_RejectsBelowThresholdFallsToCold(t *testing.T) {
	p := newTestPool(t, 1, 2, 0.95, nil)
	ctx := context.Background()
	base := chain(10)

	first, err := p.EnsureSlotForRequest(ctx, "keyA", "prefix a", base, 16)
	require.NoError(t, err)
	p.Release(first.Slot)

	dissimilar := append([]string{}, base[:2]...)
	dissimilar = append(dissimilar, chain(8)...)
	second, err := p.EnsureSlotForRequest(ctx, "keyB", "prefix b", dissimilar, 16)
	require.NoError(t, err)
	assert.Equal(t, "cold", second.Source)
	p.Release(second.Slot)
}

func TestSaveAndRestoreSlotCache_Roundtrip(t *testing.T) {
	p := newTestPool(t, 1, 1, 0.85, nil)
	ctx := context.Background()
	res, err := p.EnsureSlotForRequest(ctx, "keyS", "prefix s", chain(5), 16)
	require.NoError(t, err)
	defer p.Release(res.Slot)

	require.NoError(t, p.SaveSlotCache(ctx, res.Slot, "keyS"))
	require.NoError(t, p.RestoreSlotCache(ctx, res.Slot, "keyS"))
}

func TestMarkCold_DemotesBindingButKeepsIt(t *testing.T) {
	p := newTestPool(t, 1, 1, 0.85, nil)
	ctx := context.Background()
	res, err := p.EnsureSlotForRequest(ctx, "keyM", "prefix m", chain(5), 16)
	require.NoError(t, err)
	p.Release(res.Slot)

	p.MarkCold(res.Slot)
	b, ok := p.GetBinding(res.Slot)
	require.True(t, ok)
	assert.False(t, b.Hot)
	assert.Equal(t, "keyM", b.Key)
}

func TestTouch_IsMonotonicNonDecreasing(t *testing.T) {
	p := newTestPool(t, 1, 1, 0.85, nil)
	ctx := context.Background()
	res, err := p.EnsureSlotForRequest(ctx, "keyT", "prefix t", chain(5), 16)
	require.NoError(t, err)
	defer p.Release(res.Slot)

	b, _ := p.GetBinding(res.Slot)
	ts1 := b.LastUsedTS
	p.Touch(res.Slot)
	ts2 := b.LastUsedTS
	assert.GreaterOrEqual(t, ts2, ts1)
}
