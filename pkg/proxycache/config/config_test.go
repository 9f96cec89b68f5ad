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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LLAMA_BACKENDS", "LLAMA_SERVER_URL", "SLOTS_COUNT", "MODEL_ID",
		"SYSTEM_PROMPT_FILE", "WORDS_PER_BLOCK", "THRESHOLD_MODE",
		"MIN_PREFIX_CHARS", "MIN_PREFIX_WORDS", "MIN_PREFIX_BLOCKS",
		"SIMILARITY_MIN_RATIO", "PINNED_KEYS", "LOCAL_META_DIR",
		"DISK_META_SCAN_LIMIT", "REQUEST_TIMEOUT", "ADD_BOS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultsSingleBackend(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "http://127.0.0.1:8000", cfg.Backends[0].URL)
	assert.Equal(t, 4, cfg.Backends[0].Slots)
	assert.Equal(t, 16, cfg.WordsPerBlock)
	assert.Equal(t, ThresholdChars, cfg.ThresholdMode)
	assert.Equal(t, 0.85, cfg.SimilarityMinRatio)
	assert.Empty(t, cfg.PinnedKeys)
}

func TestLoad_MultiBackendJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLAMA_BACKENDS", `[{"url":"http://a:8000","slots":4},{"url":"http://b:8000","slots":8}]`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "http://b:8000", cfg.Backends[1].URL)
	assert.Equal(t, 8, cfg.Backends[1].Slots)
}

func TestLoad_PinnedKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("PINNED_KEYS", `["deadbeef","cafef00d"]`)
	cfg, err := Load()
	require.NoError(t, err)
	_, ok := cfg.PinnedKeys["deadbeef"]
	assert.True(t, ok)
	_, ok = cfg.PinnedKeys["cafef00d"]
	assert.True(t, ok)
}

func TestLoad_InvalidThresholdMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("THRESHOLD_MODE", "bogus")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsZeroSlots(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLAMA_BACKENDS", `[{"url":"http://a:8000","slots":0}]`)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidBackendsJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLAMA_BACKENDS", `not-json`)
	_, err := Load()
	assert.Error(t, err)
}
