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

// Package config loads the proxy's process-wide configuration from
// environment variables: backend endpoints, matching thresholds, pinned
// prefix keys, timeouts, and the HTTP/metrics listen addresses. Values are
// read once at startup and validated before the server starts accepting
// requests.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ThresholdMode selects which measure of a request's prefix classifies it as
// small vs large.
type ThresholdMode string

const (
	ThresholdChars  ThresholdMode = "chars"
	ThresholdWords  ThresholdMode = "words"
	ThresholdBlocks ThresholdMode = "blocks"
)

// BackendSpec describes one configured inference backend.
type BackendSpec struct {
	URL   string `json:"url"`
	Slots int    `json:"slots"`
}

// Config is the fully resolved, validated process configuration.
type Config struct {
	Backends []BackendSpec

	ModelID         string
	RequestTimeout  time.Duration
	SystemPromptFile string
	AddBOS          bool

	WordsPerBlock int

	ThresholdMode    ThresholdMode
	MinPrefixChars   int
	MinPrefixWords   int
	MinPrefixBlocks  int
	SimilarityMinRatio float64

	PinnedKeys map[string]struct{}

	LocalMetaDir       string
	DiskMetaScanLimit  int

	HTTPAddr    string
	MetricsAddr string
}

// Load reads and validates configuration from the environment, applying
// documented defaults for any variable left unset.
func Load() (*Config, error) {
	c := &Config{
		ModelID:            envOr("MODEL_ID", "llama.cpp"),
		SystemPromptFile:   os.Getenv("SYSTEM_PROMPT_FILE"),
		WordsPerBlock:      envInt("WORDS_PER_BLOCK", 16),
		ThresholdMode:      ThresholdMode(strings.ToLower(envOr("THRESHOLD_MODE", "chars"))),
		MinPrefixChars:     envInt("MIN_PREFIX_CHARS", 5000),
		MinPrefixWords:     envInt("MIN_PREFIX_WORDS", 1000),
		MinPrefixBlocks:    envInt("MIN_PREFIX_BLOCKS", 20),
		SimilarityMinRatio: envFloat("SIMILARITY_MIN_RATIO", 0.85),
		LocalMetaDir:       envOr("LOCAL_META_DIR", "./kvslots_meta"),
		DiskMetaScanLimit:  envInt("DISK_META_SCAN_LIMIT", 200),
		HTTPAddr:           envOr("HTTP_ADDR", ":8081"),
		MetricsAddr:        envOr("METRICS_ADDR", ""),
		AddBOS:             envBool("ADD_BOS", true),
	}

	timeoutSecs := envFloat("REQUEST_TIMEOUT", 600)
	c.RequestTimeout = time.Duration(timeoutSecs * float64(time.Second))

	backends, err := loadBackends()
	if err != nil {
		return nil, err
	}
	c.Backends = backends

	pinned, err := loadPinnedKeys()
	if err != nil {
		return nil, err
	}
	c.PinnedKeys = pinned

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: no backends configured")
	}
	for i, b := range c.Backends {
		if b.URL == "" {
			return fmt.Errorf("config: backend[%d] has empty url", i)
		}
		if b.Slots <= 0 {
			return fmt.Errorf("config: backend[%d] (%s) must have slots > 0", i, b.URL)
		}
	}
	if c.WordsPerBlock <= 0 {
		return fmt.Errorf("config: words_per_block must be > 0")
	}
	switch c.ThresholdMode {
	case ThresholdChars, ThresholdWords, ThresholdBlocks:
	default:
		return fmt.Errorf("config: invalid threshold_mode %q", c.ThresholdMode)
	}
	if c.SimilarityMinRatio < 0 || c.SimilarityMinRatio > 1 {
		return fmt.Errorf("config: similarity_min_ratio must be in [0,1]")
	}
	if c.DiskMetaScanLimit <= 0 {
		return fmt.Errorf("config: disk_meta_scan_limit must be > 0")
	}
	return nil
}

func loadBackends() ([]BackendSpec, error) {
	raw := strings.TrimSpace(os.Getenv("LLAMA_BACKENDS"))
	if raw != "" {
		var specs []BackendSpec
		if err := json.Unmarshal([]byte(raw), &specs); err != nil {
			return nil, fmt.Errorf("config: invalid LLAMA_BACKENDS: %w", err)
		}
		return specs, nil
	}

	url := envOr("LLAMA_SERVER_URL", "http://127.0.0.1:8000")
	slots := envInt("SLOTS_COUNT", 4)
	return []BackendSpec{{URL: url, Slots: slots}}, nil
}

func loadPinnedKeys() (map[string]struct{}, error) {
	raw := strings.TrimSpace(os.Getenv("PINNED_KEYS"))
	out := make(map[string]struct{})
	if raw == "" {
		return out, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("config: invalid PINNED_KEYS: %w", err)
	}
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
