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
	"sync"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
)

// blockIndex is an auxiliary, non-authoritative candidate index: it maps a
// first block hash to the set of owner identifiers (the "slot:B:L" ids of
// bindings) whose chains start with that block. Because LCP matching only
// ever matters from position zero, sharing the first block is necessary
// (though not sufficient) for a non-zero LCP, so this index lets the
// active-lcp tier skip a full LCP computation against hot bindings that
// could not possibly match. Metadata records are not indexed; the
// restore-lcp tier compares against every scanned record. It never decides
// a match itself — the real
// LCP against the full chain always has the final word — and a cache miss
// here degrades to "no pruning", never to a wrong answer. LRU-bounded so
// long-running processes don't grow this index without limit.
type blockIndex struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, map[string]struct{}]
}

func newBlockIndex(size int) *blockIndex {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[uint64, map[string]struct{}](size)
	return &blockIndex{cache: c}
}

func firstBlockDigest(blocks []string) (uint64, bool) {
	if len(blocks) == 0 {
		return 0, false
	}
	return xxhash.Sum64([]byte(blocks[0])), true
}

// add registers owner as sharing blocks' first-block hash.
func (bi *blockIndex) add(blocks []string, owner string) {
	h, ok := firstBlockDigest(blocks)
	if !ok {
		return
	}
	bi.mu.Lock()
	defer bi.mu.Unlock()
	owners, found := bi.cache.Get(h)
	if !found || owners == nil {
		owners = make(map[string]struct{})
	}
	owners[owner] = struct{}{}
	bi.cache.Add(h, owners)
}

// remove drops owner from the candidate set for blocks' first-block hash.
func (bi *blockIndex) remove(blocks []string, owner string) {
	h, ok := firstBlockDigest(blocks)
	if !ok {
		return
	}
	bi.mu.Lock()
	defer bi.mu.Unlock()
	owners, found := bi.cache.Get(h)
	if !found {
		return
	}
	delete(owners, owner)
	bi.cache.Add(h, owners)
}

// candidates returns the owner set sharing req's first-block hash, or
// (nil, false) if the index has no entry — callers must treat a miss as
// "fall back to scanning everything", not "there are no candidates".
func (bi *blockIndex) candidates(reqBlocks []string) (map[string]struct{}, bool) {
	h, ok := firstBlockDigest(reqBlocks)
	if !ok {
		return nil, false
	}
	bi.mu.Lock()
	defer bi.mu.Unlock()
	owners, found := bi.cache.Get(h)
	if !found {
		return nil, false
	}
	out := make(map[string]struct{}, len(owners))
	for k := range owners {
		out[k] = struct{}{}
	}
	return out, true
}
