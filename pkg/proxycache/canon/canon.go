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

// Package canon turns a chat message array into the canonical prefix text,
// its block-hash chain, and its prefix key. Matching is purely textual: it
// never tokenizes, and it is deterministic for identical input (P1).
package canon

import (
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// Message mirrors the subset of an OpenAI chat message this package reads.
// Content is either a plain string or a list of content parts; non-text
// parts (images, tool payloads, ...) are skipped.
type Message struct {
	Role    string
	Content any
}

// ContentPart is one element of a heterogeneous content list.
type ContentPart struct {
	Type string
	Text string
}

const bosMarker = "<|bos|>\n"

var systemPromptCache struct {
	mu   sync.RWMutex
	path string
	text string
	ok   bool
}

// Canonicalize renders an ordered message sequence into the single canonical
// prefix string used for hashing and matching. It is pure and deterministic
// (P1): identical messages + identical addBOS + identical systemPromptFile
// always produce byte-identical output.
//
// Form: an optional BOS marker, an optional system-prompt block loaded from
// disk, one labelled segment per non-empty message using `<|role|>`
// delimiters (system/user/assistant, or `<|user:ROLE|>` for anything else),
// and a terminal `<|assistant|>` turn marker that anchors generation. This
// implementation anchors generation with a terminal `<|assistant|>` marker;
// the `[role]:` sibling form is not implemented because mixing the two would
// invalidate existing KV files.
func Canonicalize(messages []Message, systemPromptFile string, addBOS bool) string {
	var b strings.Builder

	if addBOS {
		b.WriteString(bosMarker)
	}

	if sys := loadSystemPrompt(systemPromptFile); sys != "" {
		b.WriteString("<|system|>\n")
		b.WriteString(sys)
		b.WriteString("\n")
	}

	for _, m := range messages {
		content := strings.TrimSpace(normalizeContent(m.Content))
		if content == "" {
			continue
		}
		switch m.Role {
		case "system":
			b.WriteString("<|system|>\n")
		case "assistant":
			b.WriteString("<|assistant|>\n")
		case "user":
			b.WriteString("<|user|>\n")
		default:
			b.WriteString("<|user:")
			b.WriteString(m.Role)
			b.WriteString("|>\n")
		}
		b.WriteString(content)
		b.WriteString("\n")
	}

	b.WriteString("<|assistant|>\n")
	return b.String()
}

// normalizeContent turns a string-or-parts content field into plain text,
// trimming each part and skipping non-text parts, joined by single spaces.
func normalizeContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []ContentPart:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if p.Type != "text" {
				continue
			}
			t := strings.TrimSpace(p.Text)
			if t != "" {
				parts = append(parts, t)
			}
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	default:
		return ""
	}
}

func loadSystemPrompt(path string) string {
	if path == "" {
		return ""
	}
	systemPromptCache.mu.RLock()
	if systemPromptCache.path == path && systemPromptCache.ok {
		text := systemPromptCache.text
		systemPromptCache.mu.RUnlock()
		return text
	}
	systemPromptCache.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))

	systemPromptCache.mu.Lock()
	systemPromptCache.path = path
	systemPromptCache.text = text
	systemPromptCache.ok = true
	systemPromptCache.mu.Unlock()

	return text
}

// Words splits text on whitespace runs with no locale folding. The result is
// stable across calls for identical input.
func Words(text string) []string {
	return strings.Fields(text)
}

// BlockHashes groups words into windows of wordsPerBlock (the last window may
// be shorter) and returns the BLAKE3-256 digest of each window's
// space-joined, UTF-8 encoded text, hex-encoded lowercase (P2: length is
// ceil(words/wordsPerBlock), the last entry covers the last <= wordsPerBlock
// words).
func BlockHashes(text string, wordsPerBlock int) []string {
	if wordsPerBlock <= 0 {
		wordsPerBlock = 1
	}
	words := Words(text)
	if len(words) == 0 {
		return nil
	}

	n := (len(words) + wordsPerBlock - 1) / wordsPerBlock
	hashes := make([]string, 0, n)
	for i := 0; i < len(words); i += wordsPerBlock {
		end := i + wordsPerBlock
		if end > len(words) {
			end = len(words)
		}
		block := strings.Join(words[i:end], " ")
		sum := blake3.Sum256([]byte(block))
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	return hashes
}

// PrefixKey returns the hex-encoded BLAKE3-256 digest of the whole canonical
// prefix text. It is used as the filesystem basename for server-side KV
// files, the local metadata record filename, and the pin-set identity.
func PrefixKey(prefixText string) string {
	sum := blake3.Sum256([]byte(prefixText))
	return hex.EncodeToString(sum[:])
}

// LCP returns the longest common prefix length of two block-hash chains
// (P3): 0 <= lcp(a,b) <= min(|a|,|b|); lcp(a,a) = |a|; lcp(a,b) = lcp(b,a).
func LCP(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// SimilarityRatio is lcp / min(|a|,|b|), clamped into [0,1]. An empty-vs-empty
// comparison is defined as a full match (ratio 1) so that two blank prefixes
// never spuriously reject each other.
func SimilarityRatio(lcp int, aLen, bLen int) float64 {
	denom := aLen
	if bLen < denom {
		denom = bLen
	}
	if denom <= 0 {
		return 1
	}
	ratio := float64(lcp) / float64(denom)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// AffinityBackend derives the stable, content-addressed preferred backend
// index for a prefix key (P4): int(key[:8],16) mod backendCount, always in
// [0, backendCount).
func AffinityBackend(key string, backendCount int) int {
	if backendCount <= 0 {
		return 0
	}
	prefix := key
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	raw, err := hex.DecodeString(padHex(prefix))
	if err != nil || len(raw) == 0 {
		return 0
	}
	var v uint64
	for _, b := range raw {
		v = (v << 8) | uint64(b)
	}
	return int(v % uint64(backendCount))
}

// padHex right-pads an odd-length hex string with a trailing zero nibble so
// hex.DecodeString never errors on a short/odd key prefix.
func padHex(s string) string {
	if len(s)%2 != 0 {
		s += "0"
	}
	return s
}
