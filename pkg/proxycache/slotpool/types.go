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

// Package slotpool owns the global slot binding table: which prefix key, if
// any, currently occupies each (backend, local slot) pair, the per-slot
// mutual exclusion that serializes access to a slot across the whole
// request lifecycle, the LRU eviction order, and the four-tier matching
// ladder that decides which slot a new request should use.
package slotpool

import (
	"sync"
	"time"

	"github.com/airnsk/proxycache/pkg/proxycache/backendclient"
)

// GSlot is the cluster-wide slot identity: a backend index paired with that
// backend's local slot number. It never changes after startup.
type GSlot struct {
	BackendID int
	LocalID   int
}

// Backend is one configured inference server and the client that talks to
// it.
type Backend struct {
	ID     int
	URL    string
	Slots  int
	Client *backendclient.Client
}

// Binding is the record of what a hot or cold global slot currently holds.
// Hot means the slot's KV cache matches BlockHashes and is eligible for
// active-exact/active-lcp reuse; cold means the slot is still occupied (its
// content has not been overwritten) but is skipped by matching and, after
// free slots, is the first choice when a slot must be taken over.
type Binding struct {
	Slot          GSlot
	Key           string
	PrefixText    string
	BlockHashes   []string
	WordsPerBlock int
	Hot           bool
	LastUsedTS    int64 // unix nanos; monotonically non-decreasing (I4)
}

func nowTS(now time.Time) int64 { return now.UnixNano() }

// locks holds one mutex per global slot, allocated once at startup. Slots
// are never added or removed at runtime, so this map is read-only after
// construction and needs no guarding.
type locks map[GSlot]*sync.Mutex
