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

	"github.com/gammazero/deque"
)

// touchEntry is one record pushed onto the touch order each time a slot is
// touched. Only the most recent entry for a slot is ever valid; earlier
// entries become stale the moment a newer touch lands and are dropped
// lazily, the next time the order is walked, rather than searched for and
// removed eagerly.
type touchEntry struct {
	slot GSlot
	ts   int64
}

// touchOrder tracks slot access recency without re-sorting every binding on
// every lookup. Touching a slot is an O(1) push to the back; reading the
// oldest-first order is a single O(n) walk that also compacts away stale
// entries, so repeated lookups against a mostly-unchanged table do
// amortized O(1) work per touch instead of an O(n log n) resort on every
// selection.
type touchOrder struct {
	mu     sync.Mutex
	dq     deque.Deque[touchEntry]
	lastTS map[GSlot]int64
}

func newTouchOrder() *touchOrder {
	return &touchOrder{lastTS: make(map[GSlot]int64)}
}

// touch records ts as the newest access time for slot. ts values for a given
// slot must be non-decreasing; callers are expected to derive ts from a
// monotonic clock read while holding that slot's lock.
func (o *touchOrder) touch(slot GSlot, ts int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastTS[slot] = ts
	o.dq.PushBack(touchEntry{slot: slot, ts: ts})
}

// oldestFirst returns every currently-tracked slot, oldest touch first,
// compacting the backing deque as it goes.
func (o *touchOrder) oldestFirst() []GSlot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]GSlot, 0, o.dq.Len())
	compacted := make([]touchEntry, 0, o.dq.Len())
	seen := make(map[GSlot]bool, o.dq.Len())

	for o.dq.Len() > 0 {
		e := o.dq.PopFront()
		if o.lastTS[e.slot] != e.ts {
			continue // stale: a newer touch for this slot exists (or it was forgotten)
		}
		if seen[e.slot] {
			continue
		}
		seen[e.slot] = true
		out = append(out, e.slot)
		compacted = append(compacted, e)
	}
	for _, e := range compacted {
		o.dq.PushBack(e)
	}
	return out
}
