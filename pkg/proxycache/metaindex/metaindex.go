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

// Package metaindex persists and recovers the durable record of which
// prefixes a KV file on a backend's disk represents. It is a flat directory
// of one JSON file per key, never a database: a corrupt or half-written
// record must never take down a scan, and a crash mid-write must never leave
// behind a file that parses into wrong data.
package metaindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

const filePrefix = "slotcache_"
const fileSuffix = ".meta.json"

// Record is the durable description of one prefix's on-disk KV state.
type Record struct {
	Key            string   `json:"key"`
	ModelID        string   `json:"model_id"`
	PrefixLenChars int      `json:"prefix_len_chars"`
	Blocks         []string `json:"blocks"`
	WordsPerBlock  int      `json:"words_per_block"`
	UpdatedAt      int64    `json:"updated_at"`
}

// Index reads and writes Records under a single base directory.
type Index struct {
	dir string
}

// New returns an Index rooted at dir, creating it if absent.
func New(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metaindex: create dir %s: %w", dir, err)
	}
	return &Index{dir: dir}, nil
}

func (idx *Index) pathFor(key string) string {
	return filepath.Join(idx.dir, filePrefix+key+fileSuffix)
}

// Write atomically replaces the record for key. A reader never observes a
// partially written file: the record is serialized to a temp file in the
// same directory and renamed into place.
func (idx *Index) Write(key, modelID string, prefixLenChars, wordsPerBlock int, blocks []string, now time.Time) error {
	rec := Record{
		Key:            key,
		ModelID:        modelID,
		PrefixLenChars: prefixLenChars,
		Blocks:         blocks,
		WordsPerBlock:  wordsPerBlock,
		UpdatedAt:      now.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("metaindex: marshal record %s: %w", key, err)
	}
	if err := atomic.WriteFile(idx.pathFor(key), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("metaindex: write record %s: %w", key, err)
	}
	return nil
}

// Read loads a single record by key. Missing or corrupt records are reported
// as an error, not silently treated as absent, so callers can distinguish
// "never written" from "something is wrong" when they need to.
func (idx *Index) Read(key string) (*Record, error) {
	data, err := os.ReadFile(idx.pathFor(key))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("metaindex: corrupt record %s: %w", key, err)
	}
	return &rec, nil
}

// Scan returns up to limit records, newest (highest UpdatedAt) first.
// Unreadable or corrupt files are skipped rather than aborting the scan —
// the restore-lcp matching tier must degrade gracefully, not fail outright,
// when one stale or half-written record is found among many.
func (idx *Index) Scan(limit int) ([]Record, error) {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return nil, fmt.Errorf("metaindex: read dir %s: %w", idx.dir, err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(idx.dir, name))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt > records[j].UpdatedAt
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Remove deletes the record for key, if present. Removing an absent record
// is not an error: a record that never existed (or was already removed) is
// not treated as a failure. Evicting a binding does not call Remove; the
// record stays on disk as a restore candidate.
func (idx *Index) Remove(key string) error {
	err := os.Remove(idx.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("metaindex: remove record %s: %w", key, err)
	}
	return nil
}
