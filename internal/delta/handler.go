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

// Package delta implements the HTTP POST /.mu/delta endpoint: the
// low-latency counterpart to the reconciler's periodic sweep, reacting to
// container status changes as soon as the registry's delta-notifier
// reports them.
package delta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

// MaxBodyBytes bounds the accepted request body, per the spec's "body limit
// >= 100 MB" requirement.
const MaxBodyBytes = 100 << 20

// Enqueuer is the slice of the transition engine the delta handler depends
// on.
type Enqueuer interface {
	Enqueue(ctx context.Context, containerID string, action transition.Action, container *model.Container, monitor *model.Monitor)
}

// Handler serves POST /.mu/delta.
type Handler struct {
	registry registry.Store
	engine   Enqueuer

	exiting atomic.Bool

	// pendingCreate tracks logged container URIs with a CreateMonitor intent
	// enqueued but not yet confirmed persisted in the registry. It closes the
	// race where a container dies before its own CreateMonitor has run: a
	// registry read at that point still shows no monitor, so without this
	// the dead-status delta would be silently dropped instead of following
	// up with a RemoveMonitor.
	mu            sync.Mutex
	pendingCreate map[string]bool
}

// New returns a delta Handler.
func New(reg registry.Store, engine Enqueuer) *Handler {
	return &Handler{registry: reg, engine: engine, pendingCreate: map[string]bool{}}
}

func (h *Handler) markPendingCreate(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingCreate[uri] = true
}

func (h *Handler) clearPendingCreate(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pendingCreate, uri)
}

// takePendingCreate reports and clears whether uri has an in-flight
// CreateMonitor, atomically so two overlapping requests can't both observe
// it set.
func (h *Handler) takePendingCreate(uri string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pendingCreate[uri] {
		delete(h.pendingCreate, uri)
		return true
	}
	return false
}

// StopAccepting marks the handler as shutting down: subsequent requests are
// accepted (still 200) but produce no transition engine intents.
func (h *Handler) StopAccepting() {
	h.exiting.Store(true)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx).With().Str("component", "delta").Logger()

	if h.exiting.Load() {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		logger.Error().Err(err).Msg("failed to read delta body")
		w.WriteHeader(http.StatusOK)
		return
	}
	if len(body) > MaxBodyBytes {
		logger.Error().Int("bytes", len(body)).Msg("delta body exceeds size limit, dropping")
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Error().Err(err).Str("body", string(body)).Msg("malformed delta payload")
		w.WriteHeader(http.StatusOK)
		return
	}

	inserts, ok := payload.Inserts()
	if !ok {
		logger.Warn().Str("body", string(body)).Msg("delta payload has no inserts in either entry")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.process(ctx, logger, inserts)
	w.WriteHeader(http.StatusOK)
}

// statusChange is a deduplication key: a delta batch that mentions the same
// container transitioning to the same status twice should only be acted on
// once.
type statusChange struct {
	uri    string
	status string
}

func (h *Handler) process(ctx context.Context, logger zerolog.Logger, inserts []Triple) {
	seen := map[statusChange]bool{}
	for _, t := range inserts {
		if !isStatusPredicate(string(t.Predicate)) {
			continue
		}
		container, found, err := h.registry.ResolveContainerByState(ctx, string(t.Subject))
		if err != nil {
			logger.Error().Err(err).Str("subject", string(t.Subject)).Msg("failed to resolve container for delta triple")
			continue
		}
		if !found {
			logger.Warn().Str("subject", string(t.Subject)).Msg("delta triple references an unknown state resource")
			continue
		}

		newStatus := model.ContainerStatus(string(t.Object))
		key := statusChange{uri: container.URI, status: string(newStatus)}
		if seen[key] {
			continue
		}
		seen[key] = true

		if h.exiting.Load() {
			continue
		}

		h.handleStatusChange(ctx, logger, container, newStatus)
	}
}

func (h *Handler) handleStatusChange(ctx context.Context, logger zerolog.Logger, container *model.Container, newStatus model.ContainerStatus) {
	monitor, hasMonitor, err := h.registry.FindByLoggedContainer(ctx, container.URI)
	if err != nil {
		logger.Error().Err(err).Str("container", container.String()).Msg("failed to look up monitor for container")
		return
	}
	if hasMonitor {
		h.clearPendingCreate(container.URI)
		if !newStatus.Alive() {
			logger.Info().Str("container", container.String()).Str("monitor", monitor.URI).
				Msg("delta: container died, enqueuing RemoveMonitor")
			h.engine.Enqueue(ctx, container.ID, transition.RemoveMonitor, container, monitor)
		}
		return
	}

	if newStatus.Alive() {
		eligible, err := h.registry.IsEligible(ctx, container.URI)
		if err != nil {
			logger.Error().Err(err).Str("container", container.String()).Msg("failed to evaluate eligibility")
			return
		}
		if eligible {
			logger.Info().Str("container", container.String()).Msg("delta: container became alive, enqueuing CreateMonitor")
			h.markPendingCreate(container.URI)
			h.engine.Enqueue(ctx, container.ID, transition.CreateMonitor, container, nil)
		}
		return
	}

	// Not alive, and the registry doesn't show a monitor. If this container
	// still has a CreateMonitor in flight -- enqueued by an earlier delta in
	// this same batch, or a preceding request, and not yet run -- the lookup
	// above raced it: the monitor record won't exist until that action
	// actually executes. Enqueue a RemoveMonitor intent on the same
	// per-container queue regardless of what the registry shows right now:
	// it is strictly serialized behind the in-flight CreateMonitor and
	// resolves against whatever the registry shows once it actually runs,
	// so it follows CreateMonitor rather than racing it.
	if h.takePendingCreate(container.URI) {
		logger.Info().Str("container", container.String()).
			Msg("delta: container died with its CreateMonitor still in flight, enqueuing RemoveMonitor to follow it")
		h.engine.Enqueue(ctx, container.ID, transition.RemoveMonitor, container, nil)
		return
	}

	// Not alive and not a logged container with a monitor: it might itself
	// be a monitor companion whose host just changed state.
	companionMonitor, found, err := h.registry.FindByMonitorHost(ctx, container.ID)
	if err != nil {
		logger.Error().Err(err).Str("container", container.String()).Msg("failed to look up monitor by host")
		return
	}
	if !found {
		return
	}
	loggedContainer, ok, err := h.registry.GetLoggedContainer(ctx, companionMonitor)
	if err != nil {
		logger.Error().Err(err).Str("monitor", companionMonitor.URI).Msg("failed to resolve logged container for restart")
		return
	}
	if !ok {
		return
	}
	logger.Info().Str("monitor", companionMonitor.URI).Msg("delta: companion host died, enqueuing RestartMonitor")
	h.engine.Enqueue(ctx, loggedContainer.ID, transition.RestartMonitor, loggedContainer, companionMonitor)
}

// isStatusPredicate recognizes the docker:status predicate regardless of
// whether it arrived as the "docker:status" CURIE shorthand or the fully
// expanded <https://w3.org/ns/bde/docker#status> URI.
func isStatusPredicate(predicate string) bool {
	return predicate == "docker:status" ||
		strings.HasSuffix(predicate, "#status") ||
		strings.HasSuffix(predicate, "/docker#status")
}
