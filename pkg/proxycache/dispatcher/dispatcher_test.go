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

package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/airnsk/proxycache/pkg/proxycache/backendclient"
	"github.com/airnsk/proxycache/pkg/proxycache/config"
	"github.com/airnsk/proxycache/pkg/proxycache/metaindex"
	"github.com/airnsk/proxycache/pkg/proxycache/slotpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, minChars int) (*Dispatcher, []slotpool.Backend, *config.Config) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	backends := []slotpool.Backend{{ID: 0, URL: srv.URL, Slots: 2, Client: backendclient.New(srv.URL, 5*time.Second)}}
	idx, err := metaindex.New(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		MinPrefixChars:     minChars,
		MinPrefixWords:     1000,
		MinPrefixBlocks:    20,
		WordsPerBlock:      16,
		ThresholdMode:      config.ThresholdChars,
		SimilarityMinRatio: 0.85,
		AddBOS:             true,
	}
	pool := slotpool.New(backends, slotpool.Config{
		ModelID:            "test-model",
		SimilarityMinRatio: cfg.SimilarityMinRatio,
		DiskMetaScanLimit:  100,
		Meta:               idx,
	})
	return New(pool, cfg, nil), backends, cfg
}

func TestClassify_CharsMode(t *testing.T) {
	ov := Overrides{ThresholdMode: config.ThresholdChars, MinPrefixChars: 100}
	assert.True(t, Classify(PrefixStats{PrefixLenChars: 50}, ov))
	assert.False(t, Classify(PrefixStats{PrefixLenChars: 150}, ov))
}

func TestClassify_WordsAndBlocksModes(t *testing.T) {
	ovw := Overrides{ThresholdMode: config.ThresholdWords, MinPrefixWords: 10}
	assert.True(t, Classify(PrefixStats{WordsCount: 5}, ovw))

	ovb := Overrides{ThresholdMode: config.ThresholdBlocks, MinPrefixBlocks: 3}
	assert.True(t, Classify(PrefixStats{Blocks: []string{"a"}}, ovb))
	assert.False(t, Classify(PrefixStats{Blocks: []string{"a", "b", "c", "d"}}, ovb))
}

func TestAssign_SmallRequestDoesNotRunMatchingLadder(t *testing.T) {
	d, backends, cfg := newTestDispatcher(t, 1_000_000) // force everything "small"
	stats := ExtractPrefixStats(ParseMessages(map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}), cfg, cfg.WordsPerBlock)

	ov := ResolveOverrides(nil, nil, cfg)
	a, err := d.Assign(context.Background(), backends, stats, ov)
	require.NoError(t, err)
	assert.True(t, a.Small)
	assert.Empty(t, a.Source)
	d.Finish(context.Background(), a, true)
}

func TestAssign_LargeRequestRunsMatchingLadder(t *testing.T) {
	d, backends, cfg := newTestDispatcher(t, 1) // force everything "large"
	stats := ExtractPrefixStats(ParseMessages(map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "a fairly long message here"}},
	}), cfg, cfg.WordsPerBlock)

	ov := ResolveOverrides(nil, nil, cfg)
	a, err := d.Assign(context.Background(), backends, stats, ov)
	require.NoError(t, err)
	assert.False(t, a.Small)
	assert.Equal(t, "cold", a.Source)
	d.Finish(context.Background(), a, true)
}

func TestStampBody_SetsSlotAndCachePromptOnlyForLarge(t *testing.T) {
	smallBody := StampBody(map[string]any{"foo": "bar"}, &Assignment{Slot: slotpool.GSlot{LocalID: 3}, Small: true}, false)
	assert.Equal(t, 3, smallBody["_slot_id"])
	_, hasCachePrompt := smallBody["cache_prompt"]
	assert.False(t, hasCachePrompt)

	largeBody := StampBody(map[string]any{"foo": "bar"}, &Assignment{Slot: slotpool.GSlot{LocalID: 3}, Small: false}, true)
	assert.Equal(t, true, largeBody["cache_prompt"])
	assert.Equal(t, true, largeBody["stream"])
}

func TestResolveOverrides_HeaderThenQueryThenDefault(t *testing.T) {
	cfg := &config.Config{WordsPerBlock: 16, ThresholdMode: config.ThresholdChars, MinPrefixChars: 5000}
	header := func(k string) string {
		if k == "x-block-size" {
			return "32"
		}
		return ""
	}
	query := func(k string) string {
		if k == "block_size" {
			return "64"
		}
		if k == "threshold_mode" {
			return "words"
		}
		return ""
	}
	ov := ResolveOverrides(header, query, cfg)
	assert.Equal(t, 32, ov.WordsPerBlock) // header wins over query
	assert.Equal(t, config.ThresholdWords, ov.ThresholdMode)
}

func TestResolveOverrides_OutOfRangeFallsBackToDefault(t *testing.T) {
	cfg := &config.Config{WordsPerBlock: 16, ThresholdMode: config.ThresholdChars, MinPrefixChars: 5000}
	header := func(k string) string {
		if k == "x-block-size" {
			return "99999"
		}
		return ""
	}
	ov := ResolveOverrides(header, nil, cfg)
	assert.Equal(t, 16, ov.WordsPerBlock)
}

func TestParseMessages_SkipsMalformedEntries(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			"not-a-map",
			map[string]any{"role": "user", "content": "hello"},
		},
	}
	msgs := ParseMessages(body)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}
