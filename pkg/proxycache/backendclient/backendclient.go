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

// Package backendclient is the thin HTTP client in front of one inference
// backend's OpenAI-compatible chat endpoint and its slot save/restore
// extension. One client exists per configured backend; none of them hold any
// slot-routing state — that belongs to the slotpool package.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Client talks to a single llama.cpp-compatible backend.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	timeout time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithRetryMax overrides the retryable client's maximum retry count.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// New builds a client for one backend base URL. Connection errors and 5xx
// responses are retried with the retryable client's exponential backoff;
// 4xx responses are treated as permanent. Once retries are exhausted the
// last response is returned as-is, so callers always see the backend's
// status code and error body.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = timeout

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatResult is the outcome of a non-streaming chat completion call.
type ChatResult struct {
	StatusCode int
	Body       json.RawMessage
}

// ChatStream is the outcome of a streaming chat completion call: the caller
// must check StatusCode before treating Body as an SSE byte stream (a
// non-2xx response carries a JSON error body instead of SSE framing) and
// must always close Body.
type ChatStream struct {
	StatusCode int
	Body       io.ReadCloser
}

// withSlotID stamps the slot identifier redundantly into the request body —
// at the root under three historically-seen field names, and nested under
// an "options" object — because different backend builds read the slot
// target from different places.
func withSlotID(body map[string]any, slotID int) map[string]any {
	out := make(map[string]any, len(body)+4)
	for k, v := range body {
		out[k] = v
	}
	out["slot_id"] = slotID
	out["id_slot"] = slotID
	out["_slot_id"] = slotID

	options, _ := out["options"].(map[string]any)
	if options == nil {
		options = make(map[string]any)
	}
	options["slot_id"] = slotID
	out["options"] = options
	return out
}

func (c *Client) chatURL(slotID int) string {
	u := c.baseURL + "/v1/chat/completions"
	q := url.Values{}
	q.Set("slot_id", strconv.Itoa(slotID))
	return u + "?" + q.Encode()
}

// ChatJSON issues a non-streaming chat completion against the given slot.
func (c *Client) ChatJSON(ctx context.Context, body map[string]any, slotID int) (*ChatResult, error) {
	stamped := withSlotID(body, slotID)
	payload, err := json.Marshal(stamped)
	if err != nil {
		return nil, fmt.Errorf("backendclient: marshal chat body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(slotID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backendclient: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backendclient: chat request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backendclient: read chat response: %w", err)
	}
	return &ChatResult{StatusCode: resp.StatusCode, Body: data}, nil
}

// ChatStreaming issues a streaming chat completion against the given slot.
// The caller owns the returned Body and must Close it on every exit path.
func (c *Client) ChatStreaming(ctx context.Context, body map[string]any, slotID int) (*ChatStream, error) {
	stamped := withSlotID(body, slotID)
	stamped["stream"] = true
	payload, err := json.Marshal(stamped)
	if err != nil {
		return nil, fmt.Errorf("backendclient: marshal chat body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(slotID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backendclient: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backendclient: chat stream request: %w", err)
	}
	return &ChatStream{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

type slotActionResult struct {
	OK bool `json:"-"`
}

// Save persists slotID's KV state to a server-side file named basename (no
// path separators — the backend writes it under its own slot-save
// directory). Idempotent: saving the same (slotID, basename) pair twice
// just overwrites the same file.
func (c *Client) Save(ctx context.Context, slotID int, basename string) error {
	return c.slotAction(ctx, "save", slotID, basename)
}

// Restore loads a previously saved KV file named basename into slotID.
// Idempotent: restoring the same pair twice leaves the slot in the same
// state.
func (c *Client) Restore(ctx context.Context, slotID int, basename string) error {
	return c.slotAction(ctx, "restore", slotID, basename)
}

func (c *Client) slotAction(ctx context.Context, action string, slotID int, basename string) error {
	u := fmt.Sprintf("%s/slots/%d?action=%s", c.baseURL, slotID, action)
	payload, err := json.Marshal(map[string]string{"filename": basename})
	if err != nil {
		return fmt.Errorf("backendclient: marshal %s body: %w", action, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("backendclient: build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backendclient: %s request: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backendclient: %s slot %d failed: status %d: %s", action, slotID, resp.StatusCode, string(body))
	}
	return nil
}
