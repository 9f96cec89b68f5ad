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

// Package dispatcher classifies an incoming chat completion request as
// small or large, routes it to a global slot through the slot pool, and
// drives the cache_prompt flag and lock lifecycle around the backend call.
// It never talks HTTP itself — httpapi owns the transport, dispatcher owns
// the policy, so the policy can be exercised by tests without a server.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/airnsk/proxycache/pkg/proxycache/canon"
	"github.com/airnsk/proxycache/pkg/proxycache/config"
	"github.com/airnsk/proxycache/pkg/proxycache/metrics"
	"github.com/airnsk/proxycache/pkg/proxycache/slotpool"
	"github.com/sirupsen/logrus"
)

// Dispatcher wires the slot pool, configuration, and backend set into the
// per-request routing policy.
type Dispatcher struct {
	pool *slotpool.Pool
	cfg  *config.Config
	log  *logrus.Entry
}

// New builds a Dispatcher over an already-constructed slot pool.
func New(pool *slotpool.Pool, cfg *config.Config, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Dispatcher{pool: pool, cfg: cfg, log: log}
}

// PrefixStats is everything derived from a request's messages before any
// slot is chosen.
type PrefixStats struct {
	Key           string
	PrefixText    string
	Blocks        []string
	PrefixLenChars int
	WordsCount    int
}

// ExtractPrefixStats canonicalizes messages and derives the key, block-hash
// chain, and size counters used for both classification and matching.
func ExtractPrefixStats(messages []canon.Message, cfg *config.Config, wordsPerBlock int) PrefixStats {
	prefixText := canon.Canonicalize(messages, cfg.SystemPromptFile, cfg.AddBOS)
	key := canon.PrefixKey(prefixText)
	blocks := canon.BlockHashes(prefixText, wordsPerBlock)
	words := canon.Words(prefixText)
	return PrefixStats{
		Key:            key,
		PrefixText:     prefixText,
		Blocks:         blocks,
		PrefixLenChars: len(prefixText),
		WordsCount:     len(words),
	}
}

// Classify decides whether a request is small (routed without
// cache_prompt, any free/cold slot will do) or large (routed through the
// full matching ladder).
func Classify(stats PrefixStats, ov Overrides) bool {
	switch ov.ThresholdMode {
	case config.ThresholdWords:
		return stats.WordsCount < ov.MinPrefixWords
	case config.ThresholdBlocks:
		return len(stats.Blocks) < ov.MinPrefixBlocks
	default:
		return stats.PrefixLenChars < ov.MinPrefixChars
	}
}

// Assignment is the outcome of routing a request to a slot: the slot's
// lock is already held by the caller's goroutine and MUST be released via
// Finish on every exit path, including request cancellation and backend
// errors.
type Assignment struct {
	Slot    slotpool.GSlot
	Backend *slotpool.Backend
	Small   bool
	Source  string // "" for small requests
	Key     string
}

// Assign classifies the request and runs the appropriate slot-selection
// path, returning a slot whose lock the caller now owns.
func (d *Dispatcher) Assign(ctx context.Context, backends []slotpool.Backend, stats PrefixStats, ov Overrides) (*Assignment, error) {
	small := Classify(stats, ov)

	if small {
		preferBE := canon.AffinityBackend(stats.Key, len(backends))
		slot, err := d.pool.AcquireFreeOrCold(nil, preferBE, true)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: assign small request: %w", err)
		}
		d.pool.Lock(slot).Lock()
		d.pool.Touch(slot)
		be := backendByID(backends, slot.BackendID)
		d.log.WithFields(logrus.Fields{"be": slot.BackendID, "slot": slot.LocalID}).Info("small_request_use_gslot")
		return &Assignment{Slot: slot, Backend: be, Small: true, Key: stats.Key}, nil
	}

	res, err := d.pool.EnsureSlotForRequest(ctx, stats.Key, stats.PrefixText, stats.Blocks, ov.WordsPerBlock)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: assign large request: %w", err)
	}
	metrics.MatchSourceTotal.WithLabelValues(res.Source).Inc()
	be := backendByID(backends, res.Slot.BackendID)
	d.log.WithFields(logrus.Fields{
		"source": res.Source, "be": res.Slot.BackendID, "slot": res.Slot.LocalID,
		"lcp": res.LCP, "req_blocks": len(stats.Blocks), "binding_total": res.BindingTotal,
	}).Info("match_info")
	return &Assignment{Slot: res.Slot, Backend: be, Small: false, Source: res.Source, Key: stats.Key}, nil
}

func backendByID(backends []slotpool.Backend, id int) *slotpool.Backend {
	for i := range backends {
		if backends[i].ID == id {
			return &backends[i]
		}
	}
	return nil
}

// StampBody returns a copy of the decoded request body with stream,
// cache_prompt (large requests only), and the target slot id applied. Only
// the `_slot_id` field is set here; the backend client adds the other
// redundant slot-id placements when it sends the body.
func StampBody(body map[string]any, a *Assignment, stream bool) map[string]any {
	out := make(map[string]any, len(body)+3)
	for k, v := range body {
		out[k] = v
	}
	out["stream"] = stream
	out["_slot_id"] = a.Slot.LocalID
	if !a.Small {
		out["cache_prompt"] = true
	}
	return out
}

// Finish releases an assignment's slot lock and applies the post-request
// binding state transition. success is false for any backend error,
// including one that occurs partway through a stream — per the documented
// decision to treat a partial failure as cold rather than risk serving a
// corrupted continuation from a half-written KV state. Small requests are
// always marked cold on completion regardless of success, matching the
// original's unconditional demotion (there is no "hot small slot" concept).
func (d *Dispatcher) Finish(ctx context.Context, a *Assignment, success bool) {
	defer d.pool.Release(a.Slot)

	if a.Small {
		d.pool.MarkCold(a.Slot)
		return
	}

	if success {
		if err := d.pool.SaveSlotCache(ctx, a.Slot, a.Key); err != nil {
			d.log.WithFields(logrus.Fields{"be": a.Slot.BackendID, "slot": a.Slot.LocalID, "err": err}).Warn("cache_save_failed")
		}
		return
	}
	d.pool.MarkCold(a.Slot)
}

// Touch refreshes a large request's slot LRU stamp; callers invoke this
// once per streamed chunk so a long-running generation is never mistaken
// for an idle slot and evicted mid-stream.
func (d *Dispatcher) Touch(a *Assignment) {
	if !a.Small {
		d.pool.Touch(a.Slot)
	}
}
