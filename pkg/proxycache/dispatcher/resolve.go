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
	"strconv"
	"strings"

	"github.com/airnsk/proxycache/pkg/proxycache/config"
)

// Lookup reads one request-scoped override value by name, trying the
// header first and falling back to the query string — this is deliberately
// independent of any particular HTTP framework so the dispatcher stays
// testable without a live request.
type Lookup func(name string) string

// Overrides is the fully resolved set of per-request knobs, each falling
// back to the process configuration when absent or out of range.
type Overrides struct {
	WordsPerBlock  int
	ThresholdMode  config.ThresholdMode
	MinPrefixChars int
	MinPrefixWords int
	MinPrefixBlocks int
}

// ResolveOverrides applies the header/query/default resolution ladder for
// every per-request knob the original exposes via x-block-size,
// x-threshold-mode, x-min-prefix-{chars,words,blocks} (or their query-string
// equivalents).
func ResolveOverrides(header, query Lookup, cfg *config.Config) Overrides {
	return Overrides{
		WordsPerBlock:   resolveIntRange(header, query, "x-block-size", "block_size", 1, 2048, cfg.WordsPerBlock),
		ThresholdMode:   resolveThresholdMode(header, query, cfg.ThresholdMode),
		MinPrefixChars:  resolveIntRange(header, query, "x-min-prefix-chars", "min_prefix_chars", 0, 10_000_000, cfg.MinPrefixChars),
		MinPrefixWords:  resolveIntRange(header, query, "x-min-prefix-words", "min_prefix_words", 0, 10_000_000, cfg.MinPrefixWords),
		MinPrefixBlocks: resolveIntRange(header, query, "x-min-prefix-blocks", "min_prefix_blocks", 0, 10_000_000, cfg.MinPrefixBlocks),
	}
}

func firstNonEmpty(header, query Lookup, headerKey, queryKey string) string {
	if header != nil {
		if v := header(headerKey); v != "" {
			return v
		}
	}
	if query != nil {
		if v := query(queryKey); v != "" {
			return v
		}
	}
	return ""
}

func resolveIntRange(header, query Lookup, headerKey, queryKey string, min, max, fallback int) int {
	raw := firstNonEmpty(header, query, headerKey, queryKey)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return fallback
	}
	return n
}

func resolveThresholdMode(header, query Lookup, fallback config.ThresholdMode) config.ThresholdMode {
	raw := strings.ToLower(firstNonEmpty(header, query, "x-threshold-mode", "threshold_mode"))
	if raw == "" {
		return fallback
	}
	switch config.ThresholdMode(raw) {
	case config.ThresholdChars, config.ThresholdWords, config.ThresholdBlocks:
		return config.ThresholdMode(raw)
	default:
		return fallback
	}
}
