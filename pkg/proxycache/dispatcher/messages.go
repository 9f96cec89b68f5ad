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

import "github.com/airnsk/proxycache/pkg/proxycache/canon"

// ParseMessages reads the "messages" field of an already JSON-decoded chat
// completion body into canon.Message values. Unrecognised shapes for a
// given message are treated as empty content rather than an error — a
// malformed message should degrade the match quality, not fail the request.
func ParseMessages(body map[string]any) []canon.Message {
	raw, _ := body["messages"].([]any)
	out := make([]canon.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		out = append(out, canon.Message{Role: role, Content: parseContent(m["content"])})
	}
	return out
}

func parseContent(content any) any {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		parts := make([]canon.ContentPart, 0, len(v))
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			typ, _ := part["type"].(string)
			text, _ := part["text"].(string)
			parts = append(parts, canon.ContentPart{Type: typ, Text: text})
		}
		return parts
	default:
		return nil
	}
}
