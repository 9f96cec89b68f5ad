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

// Package httpapi is the OpenAI-compatible HTTP surface: request parsing,
// SSE framing, and JSON passthrough. It owns no routing policy itself —
// every slot decision is delegated to the dispatcher package — so this
// layer stays a thin adaptation of gin to that policy.
package httpapi

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/airnsk/proxycache/pkg/proxycache/config"
	"github.com/airnsk/proxycache/pkg/proxycache/dispatcher"
	"github.com/airnsk/proxycache/pkg/proxycache/metrics"
	"github.com/airnsk/proxycache/pkg/proxycache/slotpool"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server bundles the dispatcher and configuration needed to build the gin
// router.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Backends   []slotpool.Backend
	Config     *config.Config
	Log        *logrus.Entry
}

// NewRouter builds the gin engine serving /v1/models, /v1/chat/completions,
// and /healthz. /metrics is served here too unless Config.MetricsAddr names
// a separate listener address, in which case NewMetricsRouter owns it
// instead.
func (s *Server) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestIDMiddleware())

	r.GET("/v1/models", s.listModels)
	r.POST("/v1/chat/completions", s.chatCompletions)
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if s.Config == nil || s.Config.MetricsAddr == "" {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return r
}

// NewMetricsRouter builds a minimal gin engine serving only /metrics, for a
// second listener bound to Config.MetricsAddr so scraping never shares a
// port with the chat API.
func (s *Server) NewMetricsRouter() *gin.Engine {
	r := gin.New()
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("x-request-id", id)
		c.Next()
	}
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{
			{
				"id":       s.Config.ModelID,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "local",
			},
		},
	})
}

func (s *Server) chatCompletions(c *gin.Context) {
	var body map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	header := func(name string) string { return c.GetHeader(name) }
	query := func(name string) string { return c.Query(name) }
	ov := dispatcher.ResolveOverrides(header, query, s.Config)

	messages := dispatcher.ParseMessages(body)
	stats := dispatcher.ExtractPrefixStats(messages, s.Config, ov.WordsPerBlock)

	streamReq, _ := body["stream"].(bool)
	sizeClass := "large"
	if dispatcher.Classify(stats, ov) {
		sizeClass = "small"
	}
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(sizeClass).Observe(time.Since(start).Seconds())
	}()

	assignment, err := s.Dispatcher.Assign(c.Request.Context(), s.Backends, stats, ov)
	if err != nil {
		s.Log.WithField("err", err).Error("slot_assignment_failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no slots available"})
		return
	}
	streamLabel := "false"
	if streamReq {
		streamLabel = "true"
	}
	metrics.RequestsTotal.WithLabelValues(sizeClass, streamLabel).Inc()

	stamped := dispatcher.StampBody(body, assignment, streamReq)

	if streamReq {
		s.streamChat(c, assignment, stamped)
		return
	}
	s.jsonChat(c, assignment, stamped)
}

func (s *Server) jsonChat(c *gin.Context, a *dispatcher.Assignment, body map[string]any) {
	ctx := c.Request.Context()
	res, err := a.Backend.Client.ChatJSON(ctx, body, a.Slot.LocalID)
	if err != nil {
		metrics.BackendErrorsTotal.WithLabelValues("chat").Inc()
		s.Dispatcher.Finish(ctx, a, false)
		s.Log.WithFields(logrus.Fields{"url": a.Backend.URL, "err": err}).Warn("backend_error")
		c.JSON(http.StatusBadGateway, gin.H{"error": "llama backend error"})
		return
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		s.Dispatcher.Finish(ctx, a, false)
		c.Data(res.StatusCode, "application/json", res.Body)
		return
	}
	s.Dispatcher.Finish(ctx, a, true)
	c.Data(http.StatusOK, "application/json", res.Body)
}

var doneChunk = []byte("data: [DONE]\n\n")

func (s *Server) streamChat(c *gin.Context, a *dispatcher.Assignment, body map[string]any) {
	ctx := c.Request.Context()
	stream, err := a.Backend.Client.ChatStreaming(ctx, body, a.Slot.LocalID)
	if err != nil {
		metrics.BackendErrorsTotal.WithLabelValues("chat").Inc()
		s.Dispatcher.Finish(ctx, a, false)
		s.Log.WithFields(logrus.Fields{"url": a.Backend.URL, "err": err}).Warn("backend_error")
		c.JSON(http.StatusBadGateway, gin.H{"error": "llama backend error"})
		return
	}
	defer stream.Body.Close()

	// Preflight: a non-2xx response carries a JSON error body, not SSE
	// framing. Commit to SSE headers only once the status is known good.
	if stream.StatusCode < 200 || stream.StatusCode >= 300 {
		errBody, _ := io.ReadAll(stream.Body)
		s.Dispatcher.Finish(ctx, a, false)
		c.Data(stream.StatusCode, "application/json", errBody)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	reader := bufio.NewReader(stream.Body)
	success := false

	// success is read by the deferred Finish below on every exit path,
	// including a panic unwinding through this frame, so the slot lock is
	// never left held by a dead request.
	defer func() {
		if !success {
			_, _ = c.Writer.Write(doneChunk)
		}
		s.Dispatcher.Finish(ctx, a, success)
	}()

	c.Stream(func(w io.Writer) bool {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, writeErr := w.Write(line); writeErr != nil {
				return false
			}
			s.Dispatcher.Touch(a)
		}
		if err != nil {
			if err != io.EOF {
				metrics.BackendErrorsTotal.WithLabelValues("chat").Inc()
				s.Log.WithFields(logrus.Fields{"url": a.Backend.URL, "err": err}).Warn("backend_error")
			} else {
				success = true
			}
			return false
		}
		return true
	})
}
