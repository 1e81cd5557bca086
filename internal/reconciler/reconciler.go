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

// Package reconciler implements the periodic sweep that diffs the
// registry's eligible containers against its persisted Monitor records and
// enqueues the corrective transition engine actions. It never blocks on
// action completion: like whalewatcher's own list() scan, a pass is "fire
// and forget" from the caller's perspective, with correctness restored by
// the next pass if anything raced.
package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

// Enqueuer is the slice of the transition engine the reconciler depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, containerID string, action transition.Action, container *model.Container, monitor *model.Monitor)
}

// Reconciler runs periodic sweeps on a cron-style "@every" schedule derived
// from the configured sync interval.
type Reconciler struct {
	registry registry.Store
	engine   Enqueuer

	cron *cron.Cron
}

// New returns a Reconciler that sweeps reg and enqueues the resulting
// actions on engine; Start sets the sweep interval.
func New(reg registry.Store, engine Enqueuer) *Reconciler {
	return &Reconciler{
		registry: reg,
		engine:   engine,
		cron:     cron.New(),
	}
}

// Start schedules a sweep every interval and begins running it in the
// background. Call Stop to halt scheduling; in-flight or already-enqueued
// transition engine work is unaffected.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	spec := "@every " + interval.String()
	_, err := r.cron.AddFunc(spec, func() {
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the periodic schedule. It does not wait for an in-progress
// sweep's enqueued actions to complete -- those are the transition engine's
// responsibility, awaited separately via Wait.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep runs exactly one reconciliation pass: it snapshots the registry's
// running monitors and eligible containers, then enqueues whatever
// CreateMonitor/RestartMonitor/RemoveMonitor actions the diff implies. A
// registry error aborts the pass entirely; the next scheduled tick retries
// from scratch.
func (r *Reconciler) Sweep(ctx context.Context) {
	logger := log.Ctx(ctx).With().Str("component", "reconciler").Logger()

	monitors, err := r.registry.FindAll(ctx, model.MonitorRunning)
	if err != nil {
		logger.Error().Err(err).Msg("sweep: failed to list running monitors, aborting pass")
		return
	}
	byContainer := make(map[string]*model.Monitor, len(monitors))
	for _, m := range monitors {
		byContainer[m.DockerContainer] = m
	}

	containers, err := r.registry.EligibleContainers(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("sweep: failed to list eligible containers, aborting pass")
		return
	}

	enqueued := 0
	for _, c := range containers {
		m, found := byContainer[c.URI]
		if found {
			delete(byContainer, c.URI)
			status, err := r.registry.ContainerStatus(ctx, m)
			if err != nil {
				logger.Error().Err(err).Str("monitor", m.URI).Msg("sweep: failed to read monitor's companion status, skipping")
				continue
			}
			if !status.Alive() {
				logger.Info().Str("container", c.String()).Str("monitor", m.URI).Str("status", string(status)).
					Msg("sweep: companion crashed, enqueuing RestartMonitor")
				r.engine.Enqueue(ctx, c.ID, transition.RestartMonitor, c, m)
				enqueued++
			}
			continue
		}
		logger.Info().Str("container", c.String()).Msg("sweep: no monitor found, enqueuing CreateMonitor")
		r.engine.Enqueue(ctx, c.ID, transition.CreateMonitor, c, nil)
		enqueued++
	}

	for _, m := range byContainer {
		loggedContainer, ok, err := r.registry.GetLoggedContainer(ctx, m)
		if err != nil {
			logger.Error().Err(err).Str("monitor", m.URI).Msg("sweep: failed to resolve logged container, skipping")
			continue
		}
		if !ok {
			logger.Info().Str("monitor", m.URI).Msg("sweep: logged container gone, removing orphaned monitor record directly")
			if err := r.registry.Remove(ctx, m); err != nil {
				logger.Error().Err(err).Str("monitor", m.URI).Msg("sweep: failed to remove orphaned monitor record")
			}
			continue
		}
		logger.Info().Str("container", loggedContainer.String()).Str("monitor", m.URI).
			Msg("sweep: monitor has no matching eligible container, enqueuing RemoveMonitor")
		r.engine.Enqueue(ctx, loggedContainer.ID, transition.RemoveMonitor, loggedContainer, m)
		enqueued++
	}

	logger.Debug().Int("enqueued", enqueued).Msg("sweep complete")
}
