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

// Package app wires the proxy's packages into a runnable process: it loads
// configuration, builds one backend client per configured backend, starts
// the slot pool and dispatcher, and serves the HTTP surface until signalled
// to stop.
package app

import (
	"context"
	"fmt"

	"github.com/airnsk/proxycache/pkg/proxycache/backendclient"
	"github.com/airnsk/proxycache/pkg/proxycache/config"
	"github.com/airnsk/proxycache/pkg/proxycache/dispatcher"
	"github.com/airnsk/proxycache/pkg/proxycache/httpapi"
	"github.com/airnsk/proxycache/pkg/proxycache/logger"
	"github.com/airnsk/proxycache/pkg/proxycache/metaindex"
	"github.com/airnsk/proxycache/pkg/proxycache/slotpool"
	"github.com/sirupsen/logrus"
)

// Server owns the fully-constructed proxy process.
type Server struct {
	Options *Options

	cfg     *config.Config
	httpAPI *httpapi.Server
}

// NewServer loads configuration and builds every package the proxy needs,
// failing fast on any misconfiguration rather than starting partially.
func NewServer(opts *Options) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if opts.LogLevel != "" {
		if lvl, lerr := logrus.ParseLevel(opts.LogLevel); lerr == nil {
			_ = logger.SetLoggerLevel("default", lvl)
		}
	}

	log := logger.NewLogger("proxycache")

	idx, err := metaindex.New(cfg.LocalMetaDir)
	if err != nil {
		return nil, fmt.Errorf("app: init metadata index: %w", err)
	}

	backends := make([]slotpool.Backend, 0, len(cfg.Backends))
	for i, spec := range cfg.Backends {
		client := backendclient.New(spec.URL, cfg.RequestTimeout)
		backends = append(backends, slotpool.Backend{ID: i, URL: spec.URL, Slots: spec.Slots, Client: client})
		log.WithFields(logrus.Fields{"id": i, "url": spec.URL, "slots": spec.Slots}).Info("backend_registered")
	}

	pool := slotpool.New(backends, slotpool.Config{
		ModelID:            cfg.ModelID,
		SimilarityMinRatio: cfg.SimilarityMinRatio,
		PinnedKeys:         cfg.PinnedKeys,
		DiskMetaScanLimit:  cfg.DiskMetaScanLimit,
		Meta:               idx,
		Log:                log,
	})

	d := dispatcher.New(pool, cfg, log)

	totalSlots := 0
	for _, b := range backends {
		totalSlots += b.Slots
	}
	log.WithFields(logrus.Fields{"backends": len(backends), "total_slots": totalSlots}).Info("lifespan_startup")

	return &Server{
		Options: opts,
		cfg:     cfg,
		httpAPI: &httpapi.Server{Dispatcher: d, Backends: backends, Config: cfg, Log: log},
	}, nil
}

// Run starts the HTTP server and blocks until stopCh is closed, then
// gracefully shuts down.
func (s *Server) Run(stopCh <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		cancel()
	}()
	s.startRouter(ctx)
}
