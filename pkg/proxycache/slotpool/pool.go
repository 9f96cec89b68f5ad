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
	"fmt"
	"sync"
	"time"

	"github.com/airnsk/proxycache/pkg/proxycache/canon"
	"github.com/airnsk/proxycache/pkg/proxycache/metaindex"
	"github.com/airnsk/proxycache/pkg/proxycache/metrics"
	"github.com/sirupsen/logrus"
)

// ErrNoSlots is returned when no global slot can be selected at all: every
// slot is excluded, or the pool has no slots. An all-pinned pool is not an
// error; its oldest slot is returned as a last resort.
var ErrNoSlots = fmt.Errorf("slotpool: no slots available")

// Pool is the global slot manager: it owns every backend's slot set, the
// binding table, per-slot locks, LRU order, and the matching ladder used to
// route a request to a slot.
type Pool struct {
	backends []Backend
	allSlots []GSlot
	locks    locks

	mu       sync.Mutex // guards bindings
	bindings map[GSlot]*Binding

	touch  *touchOrder
	blocks *blockIndex

	meta       *metaindex.Index
	modelID    string
	simRatio   float64
	pinned     map[string]struct{}
	scanLimit  int
	log        *logrus.Entry
}

// Config bundles the construction parameters a Pool needs beyond the
// backend list itself.
type Config struct {
	ModelID            string
	SimilarityMinRatio float64
	PinnedKeys         map[string]struct{}
	DiskMetaScanLimit  int
	Meta               *metaindex.Index
	Log                *logrus.Entry
}

// New builds a Pool over the given backends, enumerating the full Cartesian
// product of backend x local slot exactly once (I1: the global slot set is
// immutable after construction).
func New(backends []Backend, cfg Config) *Pool {
	p := &Pool{
		backends:  backends,
		locks:     make(locks),
		bindings:  make(map[GSlot]*Binding),
		touch:     newTouchOrder(),
		blocks:    newBlockIndex(8192),
		meta:      cfg.Meta,
		modelID:   cfg.ModelID,
		simRatio:  cfg.SimilarityMinRatio,
		pinned:    cfg.PinnedKeys,
		scanLimit: cfg.DiskMetaScanLimit,
		log:       cfg.Log,
	}
	if p.pinned == nil {
		p.pinned = make(map[string]struct{})
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.New())
	}

	for _, be := range backends {
		for s := 0; s < be.Slots; s++ {
			g := GSlot{BackendID: be.ID, LocalID: s}
			p.allSlots = append(p.allSlots, g)
			p.locks[g] = &sync.Mutex{}
		}
	}
	p.log.WithFields(logrus.Fields{
		"backends":    len(backends),
		"total_slots": len(p.allSlots),
	}).Info("slot_manager_init")
	return p
}

// Lock returns the mutex for a global slot. Callers must hold it for the
// full duration of any operation against that slot, including streaming,
// and must release it on every exit path.
func (p *Pool) Lock(g GSlot) *sync.Mutex { return p.locks[g] }

func (p *Pool) backend(id int) *Backend {
	for i := range p.backends {
		if p.backends[i].ID == id {
			return &p.backends[i]
		}
	}
	return nil
}

// preferBackend derives the stable affinity backend index for a key, using
// the leading bytes of its hex digest (P4).
func (p *Pool) preferBackend(key string) int {
	idx := canon.AffinityBackend(key, len(p.backends))
	p.log.WithFields(logrus.Fields{"key": shortKey(key), "backend": idx}).Debug("prefer_backend")
	return idx
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

func (p *Pool) slotState(g GSlot) string {
	b, ok := p.bindings[g]
	if !ok {
		return "free"
	}
	if b.Hot {
		return "hot"
	}
	return "cold"
}

func (p *Pool) freeSlotsAll(exclude map[GSlot]struct{}) []GSlot {
	var out []GSlot
	for _, g := range p.allSlots {
		if _, skip := exclude[g]; skip {
			continue
		}
		if _, bound := p.bindings[g]; !bound {
			out = append(out, g)
		}
	}
	return out
}

// AcquireFreeOrCold selects a global slot for a small request or as the
// fallback target for a large request's cold/restore path. Priority order:
// a free slot on the preferred backend, any free slot, the coldest unpinned
// occupied slot, the oldest unpinned occupied slot, and finally — only when
// every occupied slot is pinned — the oldest occupied slot regardless,
// logged as a warning. The caller must take the returned slot's lock before
// using it; this method only picks the slot, it does not lock it.
func (p *Pool) AcquireFreeOrCold(exclude map[GSlot]struct{}, preferBackendID int, hasPrefer bool) (GSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if exclude == nil {
		exclude = make(map[GSlot]struct{})
	}

	if hasPrefer {
		for _, g := range p.allSlots {
			if _, skip := exclude[g]; skip {
				continue
			}
			if g.BackendID != preferBackendID {
				continue
			}
			if _, bound := p.bindings[g]; !bound {
				p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "reason": "free_preferred"}).Info("slot_select")
				metrics.SlotSelectTotal.WithLabelValues("free_preferred").Inc()
				return g, nil
			}
		}
	}

	if free := p.freeSlotsAll(exclude); len(free) > 0 {
		g := free[0]
		p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "reason": "free_any"}).Info("slot_select")
		metrics.SlotSelectTotal.WithLabelValues("free_any").Inc()
		return g, nil
	}

	ordered := p.touch.oldestFirst()

	for _, g := range ordered {
		if _, skip := exclude[g]; skip {
			continue
		}
		b, bound := p.bindings[g]
		if !bound || b.Hot {
			continue
		}
		if _, isPinned := p.pinned[b.Key]; isPinned {
			continue
		}
		p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "reason": "cold_lru"}).Info("slot_select")
		metrics.SlotSelectTotal.WithLabelValues("cold_lru").Inc()
		return g, nil
	}

	for _, g := range ordered {
		if _, skip := exclude[g]; skip {
			continue
		}
		b, bound := p.bindings[g]
		if !bound {
			continue
		}
		if _, isPinned := p.pinned[b.Key]; isPinned {
			continue
		}
		p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "reason": "oldest_lru"}).Info("slot_select")
		metrics.SlotSelectTotal.WithLabelValues("oldest_lru").Inc()
		return g, nil
	}

	var remaining []GSlot
	for _, g := range ordered {
		if _, skip := exclude[g]; !skip {
			remaining = append(remaining, g)
		}
	}
	if len(remaining) == 0 {
		p.log.WithField("reason", "no_slots").Error("slot_select_failed")
		metrics.SlotSelectTotal.WithLabelValues("no_slots").Inc()
		return GSlot{}, ErrNoSlots
	}
	g := remaining[0]
	p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "reason": "wait_oldest_all_pinned"}).Warn("slot_select")
	metrics.SlotSelectTotal.WithLabelValues("wait_oldest_all_pinned").Inc()
	return g, nil
}

// bestActiveExact finds a hot binding whose block-hash chain exactly equals
// reqBlocks.
func (p *Pool) bestActiveExact(reqBlocks []string) (GSlot, *Binding, bool) {
	for g, b := range p.bindings {
		if !b.Hot || len(b.BlockHashes) != len(reqBlocks) {
			continue
		}
		match := true
		for i := range reqBlocks {
			if reqBlocks[i] != b.BlockHashes[i] {
				match = false
				break
			}
		}
		if match {
			return g, b, true
		}
	}
	return GSlot{}, nil, false
}

type lcpCandidate struct {
	slot    GSlot
	binding *Binding
	lcp     int
	ratio   float64
}

// bestActiveLCP finds the hot binding with the highest LCP similarity ratio
// against reqBlocks, pruning first through the auxiliary block index.
func (p *Pool) bestActiveLCP(reqBlocks []string) (lcpCandidate, bool) {
	owners, pruned := p.blocks.candidates(reqBlocks)

	var best lcpCandidate
	found := false
	consider := func(g GSlot, b *Binding) {
		l := canon.LCP(reqBlocks, b.BlockHashes)
		ratio := canon.SimilarityRatio(l, len(reqBlocks), len(b.BlockHashes))
		if !found || ratio > best.ratio {
			best = lcpCandidate{slot: g, binding: b, lcp: l, ratio: ratio}
			found = true
		}
	}

	if pruned {
		for g, b := range p.bindings {
			if !b.Hot {
				continue
			}
			if _, ok := owners[bindingOwnerID(g)]; !ok {
				continue
			}
			consider(g, b)
		}
	} else {
		for g, b := range p.bindings {
			if b.Hot {
				consider(g, b)
			}
		}
	}
	return best, found
}

func bindingOwnerID(g GSlot) string {
	return fmt.Sprintf("slot:%d:%d", g.BackendID, g.LocalID)
}

type restoreCandidate struct {
	key    string
	lcp    int
	ratio  float64
	blocks []string
}

// bestRestoreCandidate scans the local metadata index (bounded, newest
// first) for the saved prefix with the highest LCP ratio against reqBlocks.
func (p *Pool) bestRestoreCandidate(reqBlocks []string, wordsPerBlock int) (restoreCandidate, bool, error) {
	records, err := p.meta.Scan(p.scanLimit)
	if err != nil {
		return restoreCandidate{}, false, err
	}

	var best restoreCandidate
	found := false
	for _, rec := range records {
		if rec.WordsPerBlock != 0 && rec.WordsPerBlock != wordsPerBlock {
			continue
		}
		l := canon.LCP(reqBlocks, rec.Blocks)
		ratio := canon.SimilarityRatio(l, len(reqBlocks), len(rec.Blocks))
		if !found || ratio > best.ratio {
			best = restoreCandidate{key: rec.Key, lcp: l, ratio: ratio, blocks: rec.Blocks}
			found = true
		}
	}
	return best, found, nil
}

// EnsureResult is the outcome of routing a large request to a slot.
type EnsureResult struct {
	Slot         GSlot
	Binding      *Binding
	Source       string // active-exact | active-lcp | restore-lcp | cold
	LCP          int
	BindingTotal int
}

// EnsureSlotForRequest runs the four-tier matching ladder for a large
// request and returns a slot whose lock the caller already holds. The
// caller must release that lock on every exit path, including error paths
// after this call returns.
func (p *Pool) EnsureSlotForRequest(ctx context.Context, reqKey, prefixText string, reqBlocks []string, wordsPerBlock int) (*EnsureResult, error) {
	p.log.WithFields(logrus.Fields{
		"key":       shortKey(reqKey),
		"req_blocks": len(reqBlocks),
		"wpb":       wordsPerBlock,
	}).Info("ensure_start")

	exclude := make(map[GSlot]struct{})

	p.mu.Lock()
	g, b, ok := p.bestActiveExact(reqBlocks)
	p.mu.Unlock()
	if ok {
		mu := p.Lock(g)
		mu.Lock()
		p.Touch(g)
		p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID}).Info("ensure_pick source=active-exact")
		return &EnsureResult{Slot: g, Binding: b, Source: "active-exact", LCP: len(reqBlocks), BindingTotal: p.bindingCount()}, nil
	}

	p.mu.Lock()
	lcpBest, lcpFound := p.bestActiveLCP(reqBlocks)
	p.mu.Unlock()
	if lcpFound {
		p.log.WithFields(logrus.Fields{
			"be": lcpBest.slot.BackendID, "slot": lcpBest.slot.LocalID,
			"lcp": lcpBest.lcp, "ratio": lcpBest.ratio, "threshold": p.simRatio,
		}).Info("ensure_active_lcp")
		if lcpBest.ratio >= p.simRatio {
			mu := p.Lock(lcpBest.slot)
			mu.Lock()
			p.Touch(lcpBest.slot)
			p.log.WithFields(logrus.Fields{"be": lcpBest.slot.BackendID, "slot": lcpBest.slot.LocalID}).Info("ensure_pick source=active-lcp")
			return &EnsureResult{Slot: lcpBest.slot, Binding: lcpBest.binding, Source: "active-lcp", LCP: lcpBest.lcp, BindingTotal: p.bindingCount()}, nil
		}
		exclude[lcpBest.slot] = struct{}{}
		p.log.WithFields(logrus.Fields{"be": lcpBest.slot.BackendID, "slot": lcpBest.slot.LocalID, "reason": "ratio_below"}).Info("ensure_reject")
	}

	cand, candFound, err := p.bestRestoreCandidate(reqBlocks, wordsPerBlock)
	if err != nil {
		return nil, fmt.Errorf("slotpool: scan metadata index: %w", err)
	}
	if candFound {
		p.log.WithFields(logrus.Fields{
			"key": shortKey(cand.key), "lcp": cand.lcp, "ratio": cand.ratio, "threshold": p.simRatio,
		}).Info("ensure_restore_candidate")
		if cand.ratio >= p.simRatio {
			preferBE := p.preferBackend(reqKey)
			target, err := p.AcquireFreeOrCold(exclude, preferBE, true)
			if err != nil {
				return nil, err
			}
			mu := p.Lock(target)
			mu.Lock()
			if err := p.RestoreSlotCache(ctx, target, cand.key); err != nil {
				mu.Unlock()
				return nil, err
			}
			newBinding := p.bind(target, reqKey, prefixText, reqBlocks, wordsPerBlock)
			p.Touch(target)
			p.log.WithFields(logrus.Fields{"be": target.BackendID, "slot": target.LocalID, "restore_key": shortKey(cand.key)}).Info("ensure_pick source=restore-lcp")
			return &EnsureResult{Slot: target, Binding: newBinding, Source: "restore-lcp", LCP: cand.lcp, BindingTotal: p.bindingCount()}, nil
		}
	}

	preferBE := p.preferBackend(reqKey)
	target, err := p.AcquireFreeOrCold(exclude, preferBE, true)
	if err != nil {
		return nil, err
	}
	mu := p.Lock(target)
	mu.Lock()
	newBinding := p.bind(target, reqKey, prefixText, reqBlocks, wordsPerBlock)
	p.Touch(target)
	p.log.WithFields(logrus.Fields{"be": target.BackendID, "slot": target.LocalID}).Info("ensure_pick source=cold")
	return &EnsureResult{Slot: target, Binding: newBinding, Source: "cold", LCP: 0, BindingTotal: p.bindingCount()}, nil
}

func (p *Pool) bindingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bindings)
}

// bind installs a fresh hot binding for slot g, replacing whatever was
// there (the caller is expected to already hold g's lock).
func (p *Pool) bind(g GSlot, key, prefixText string, blocks []string, wordsPerBlock int) *Binding {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, existed := p.bindings[g]; existed {
		p.blocks.remove(old.BlockHashes, bindingOwnerID(g))
	}

	b := &Binding{
		Slot:          g,
		Key:           key,
		PrefixText:    prefixText,
		BlockHashes:   blocks,
		WordsPerBlock: wordsPerBlock,
		Hot:           true,
	}
	p.bindings[g] = b
	p.blocks.add(blocks, bindingOwnerID(g))
	metrics.SlotsOccupied.Set(float64(len(p.bindings)))
	return b
}

// SaveSlotCache persists slot g's KV state on its backend under basename
// key and writes the matching local metadata record.
func (p *Pool) SaveSlotCache(ctx context.Context, g GSlot, key string) error {
	be := p.backend(g.BackendID)
	if be == nil {
		return fmt.Errorf("slotpool: unknown backend %d", g.BackendID)
	}
	p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "key": shortKey(key)}).Info("cache_save")
	if err := be.Client.Save(ctx, g.LocalID, key); err != nil {
		metrics.BackendErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("slotpool: save slot cache: %w", err)
	}

	p.mu.Lock()
	b, ok := p.bindings[g]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.meta.Write(key, p.modelID, len(b.PrefixText), b.WordsPerBlock, b.BlockHashes, time.Now())
}

// RestoreSlotCache loads a previously saved KV file named key into slot g.
func (p *Pool) RestoreSlotCache(ctx context.Context, g GSlot, key string) error {
	be := p.backend(g.BackendID)
	if be == nil {
		return fmt.Errorf("slotpool: unknown backend %d", g.BackendID)
	}
	p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "key": shortKey(key)}).Info("cache_restore")
	if err := be.Client.Restore(ctx, g.LocalID, key); err != nil {
		metrics.BackendErrorsTotal.WithLabelValues("restore").Inc()
		return fmt.Errorf("slotpool: restore slot cache: %w", err)
	}
	return nil
}

// Touch refreshes slot g's LRU timestamp. This must be called not just at
// acquisition but periodically during a long streaming response, so a slot
// mid-stream is never mistaken for idle and evicted out from under it.
func (p *Pool) Touch(g GSlot) {
	ts := time.Now().UnixNano()
	p.mu.Lock()
	if b, ok := p.bindings[g]; ok && ts > b.LastUsedTS {
		b.LastUsedTS = ts
	}
	p.mu.Unlock()
	p.touch.touch(g, ts)
}

// Release unlocks slot g's mutex. It just forwards to sync.Mutex.Unlock, so
// it must be called exactly once by the lock holder: releasing a slot whose
// lock is not held is a fatal runtime error.
func (p *Pool) Release(g GSlot) {
	p.Lock(g).Unlock()
	p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID}).Debug("slot_release")
}

// MarkCold demotes a hot binding to cold, making it eligible for reuse by
// small requests or as an eviction target, without discarding its identity
// (the binding, and its on-disk metadata if saved, survive).
func (p *Pool) MarkCold(g GSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bindings[g]
	if ok && b.Hot {
		b.Hot = false
		p.log.WithFields(logrus.Fields{"be": g.BackendID, "slot": g.LocalID, "key": shortKey(b.Key)}).Info("slot_mark_cold")
	}
}

// GetBinding returns the current binding for slot g, if any.
func (p *Pool) GetBinding(g GSlot) (*Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bindings[g]
	return b, ok
}

// AllSlots returns the immutable, enumerated global slot set.
func (p *Pool) AllSlots() []GSlot {
	out := make([]GSlot, len(p.allSlots))
	copy(out, p.allSlots)
	return out
}
