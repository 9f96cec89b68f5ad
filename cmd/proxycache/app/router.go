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

package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const gracefulShutdownTimeout = 15 * time.Second

func (s *Server) startRouter(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	engine := s.httpAPI.NewRouter()

	server := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: engine.Handler(),
	}

	log := s.httpAPI.Log
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Fatal("listen failed")
		}
	}()

	var metricsServer *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    s.cfg.MetricsAddr,
			Handler: s.httpAPI.NewMetricsRouter().Handler(),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("err", err).Fatal("metrics listen failed")
			}
		}()
		log.WithField("addr", s.cfg.MetricsAddr).Info("metrics_listener_started")
	}

	<-ctx.Done()
	log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Error("server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithField("err", err).Error("metrics server shutdown failed")
		}
	}
	log.Info("HTTP server exited")
}
