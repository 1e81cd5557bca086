// Copyright 2021 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lifecycle wires the reconciler, the transition engine and the
// delta handler together and drives the process's startup and shutdown
// sequences.
package lifecycle

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mu-semtech/network-monitor-reconciler/internal/delta"
	"github.com/mu-semtech/network-monitor-reconciler/internal/engine"
	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/reconciler"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

// TransitionEngine is the slice of *transition.Engine the controller depends
// on, named so tests can substitute a fake without pulling in the real
// queueing machinery.
type TransitionEngine interface {
	Enqueue(ctx context.Context, containerID string, action transition.Action, container *model.Container, monitor *model.Monitor)
	Wait(containerID string) <-chan struct{}
	StopAccepting()
}

// Controller owns the process lifecycle: readiness waiting, image pull,
// starting the reconciler and HTTP servers, and graceful shutdown.
type Controller struct {
	Registry          registry.Store
	Engine            engine.Client
	Transition        TransitionEngine
	Reconciler        *reconciler.Reconciler
	DeltaHandler      *delta.Handler
	SyncInterval      time.Duration
	ShutdownDeadline  time.Duration
	MonitorImage      string
	HTTPListenAddr    string
	MetricsListenAddr string

	httpServer    *http.Server
	metricsServer *http.Server
}

// Run executes the full startup sequence, blocks until ctx is cancelled
// (typically by a signal handler), then runs the shutdown sequence. It
// returns the process exit code the spec requires: 0 on clean shutdown, 1 on
// a cleanup failure or timeout.
func (c *Controller) Run(ctx context.Context) int {
	if err := c.waitReady(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("startup: readiness wait failed")
		return 1
	}

	if err := c.pullMonitorImage(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("startup: failed to pull monitor image")
		return 1
	}

	if err := c.Reconciler.Start(ctx, c.SyncInterval); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("startup: failed to start reconciler")
		return 1
	}

	c.startHTTP(ctx)

	log.Ctx(ctx).Info().Msg("lifecycle: running")
	<-ctx.Done()

	return c.shutdown()
}

// waitReady blocks until both the registry and the engine report ready,
// probed concurrently since neither depends on the other.
func (c *Controller) waitReady(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pollUntilReady(gctx, "registry", func() (bool, error) {
			return c.Registry.Ready(gctx)
		})
	})
	g.Go(func() error {
		return pollUntilReady(gctx, "engine", func() (bool, error) {
			_, err := c.Engine.List(gctx)
			return err == nil, err
		})
	})
	return g.Wait()
}

func pollUntilReady(ctx context.Context, what string, probe func() (bool, error)) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)
	return backoff.Retry(func() error {
		ready, err := probe()
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("dependency", what).Msg("readiness probe failed, retrying")
			return err
		}
		if !ready {
			return errNotReady(what)
		}
		return nil
	}, b)
}

type errNotReady string

func (e errNotReady) Error() string { return string(e) + " not ready" }

// pullMonitorImage retries Pull indefinitely with exponential back-off (1s,
// 2s, 4s, ..., capped at the back-off's maximum interval), per the spec's
// startup sequence.
func (c *Controller) pullMonitorImage(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)
	return backoff.Retry(func() error {
		err := c.Engine.Pull(ctx, c.MonitorImage)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("image", c.MonitorImage).Msg("image pull failed, retrying")
		}
		return err
	}, b)
}

func (c *Controller) startHTTP(ctx context.Context) {
	r := chi.NewRouter()
	r.Post("/.mu/delta", c.DeltaHandler.ServeHTTP)
	c.httpServer = &http.Server{Addr: c.HTTPListenAddr, Handler: r}
	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Ctx(ctx).Error().Err(err).Msg("delta HTTP server stopped unexpectedly")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	c.metricsServer = &http.Server{Addr: c.MetricsListenAddr, Handler: metricsMux}
	go func() {
		if err := c.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Ctx(ctx).Error().Err(err).Msg("metrics HTTP server stopped unexpectedly")
		}
	}()

	log.Ctx(ctx).Info().Str("addr", c.HTTPListenAddr).Str("metrics_addr", c.MetricsListenAddr).Msg("HTTP servers listening")
}

// shutdown implements the spec's shutdown sequence: stop accepting new
// delta intents, stop the reconciler schedule, enqueue RemoveMonitor for
// every running monitor and wait for all of them to drain, bounded by
// ShutdownDeadline, then close the transition engine to further enqueues.
func (c *Controller) shutdown() int {
	ctx := context.Background()
	logger := log.Ctx(ctx).With().Str("component", "lifecycle").Logger()
	logger.Info().Msg("shutdown: draining")

	c.DeltaHandler.StopAccepting()
	c.Reconciler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, c.ShutdownDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.drainRunningMonitors(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("shutdown: drain failed")
			return 1
		}
	case <-shutdownCtx.Done():
		logger.Error().Msg("shutdown: deadline exceeded before drain completed")
		return 1
	}
	c.Transition.StopAccepting()

	shutdownHTTP(shutdownCtx, c.httpServer)
	shutdownHTTP(shutdownCtx, c.metricsServer)

	logger.Info().Msg("shutdown: complete")
	return 0
}

func shutdownHTTP(ctx context.Context, srv *http.Server) {
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
}

// drainRunningMonitors enqueues RemoveMonitor for every running Monitor
// whose logged container resolves in the registry (monitors whose lookup
// fails or finds nothing are skipped) and waits for every affected
// container queue to drain.
func (c *Controller) drainRunningMonitors(ctx context.Context) error {
	monitors, err := c.Registry.FindAll(ctx, model.MonitorRunning)
	if err != nil {
		return err
	}

	waitIDs := make([]string, 0, len(monitors))
	for _, m := range monitors {
		container, ok, err := c.Registry.GetLoggedContainer(ctx, m)
		if err != nil || !ok {
			continue
		}
		c.Transition.Enqueue(ctx, container.ID, transition.RemoveMonitor, container, m)
		waitIDs = append(waitIDs, container.ID)
	}

	for _, id := range waitIDs {
		select {
		case <-c.Transition.Wait(id):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
