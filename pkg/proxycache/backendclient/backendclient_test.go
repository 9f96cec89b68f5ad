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

package backendclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatJSON_StampsSlotIDEverywhere(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("slot_id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, WithRetryMax(0))
	res, err := c.ChatJSON(context.Background(), map[string]any{"messages": []any{}}, 7)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	assert.EqualValues(t, 7, captured["slot_id"])
	assert.EqualValues(t, 7, captured["id_slot"])
	assert.EqualValues(t, 7, captured["_slot_id"])
	options, ok := captured["options"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, options["slot_id"])
}

func TestChatStreaming_PreflightStatusBeforeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no slots"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, WithRetryMax(0))
	stream, err := c.ChatStreaming(context.Background(), map[string]any{}, 1)
	require.NoError(t, err)
	defer stream.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, stream.StatusCode)
	body, _ := io.ReadAll(stream.Body)
	assert.Contains(t, string(body), "no slots")
}

func TestSaveRestore_Idempotent(t *testing.T) {
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actions = append(actions, r.URL.Query().Get("action"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deadbeef", body["filename"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, WithRetryMax(0))
	require.NoError(t, c.Save(context.Background(), 2, "deadbeef"))
	require.NoError(t, c.Save(context.Background(), 2, "deadbeef"))
	require.NoError(t, c.Restore(context.Background(), 2, "deadbeef"))

	assert.Equal(t, []string{"save", "save", "restore"}, actions)
}

func TestSave_PropagatesBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, WithRetryMax(0))
	err := c.Save(context.Background(), 1, "missing")
	assert.Error(t, err)
}
