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

package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mu-semtech/network-monitor-reconciler/internal/engine"
	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry"
)

// ComposeServiceLabel and ComposeProjectLabel are the Docker Compose labels
// looked up on the logged container to populate the companion's own
// COMPOSE_SERVICE/COMPOSE_PROJECT environment.
const (
	ComposeServiceLabel = "com.docker.compose.service"
	ComposeProjectLabel = "com.docker.compose.project"
)

// StopDeadline is the engine-call deadline used when stopping a companion
// before removing it.
const StopDeadline = 3 * time.Second

// ActionConfig carries the handful of operator-configured values the
// actions need to build a companion container spec.
type ActionConfig struct {
	MonitorImage              string
	LogstashNetwork           string
	PacketbeatMaxMessageSize  string
	PacketbeatListenPorts     string
}

// Actions is the production Runner, backed by a container engine and a
// registry.
type Actions struct {
	Engine   engine.Client
	Registry registry.Store
	Config   ActionConfig
}

var _ Runner = (*Actions)(nil)

// CreateMonitor creates, starts, attaches and persists a companion monitor
// for container. It aborts quietly if a running monitor already exists for
// this logged container -- that's a benign race with the reconciler, not an
// error.
func (a *Actions) CreateMonitor(ctx context.Context, container *model.Container) error {
	if existing, ok, err := a.Registry.FindByLoggedContainer(ctx, container.URI); err != nil {
		return fmt.Errorf("precondition check: %w", err)
	} else if ok {
		log.Ctx(ctx).Info().Str("container", container.String()).Str("monitor", existing.URI).
			Msg("CreateMonitor: a running monitor already exists, skipping (benign reconciler race)")
		return nil
	}

	spec := a.companionSpec(ctx, container)

	handle, err := a.Engine.Create(ctx, spec)
	if err != nil {
		return fmt.Errorf("create companion: %w", err)
	}

	monitor := model.NewMonitor(container.URI)
	monitor.BindCompanion(handle.ID)

	attached := false
	if err := a.Engine.Start(ctx, handle.ID); err != nil {
		a.compensate(ctx, handle.ID, container.ID, attached)
		return fmt.Errorf("start companion: %w", err)
	}

	if err := a.Engine.AttachNetwork(ctx, container.ID, a.Config.LogstashNetwork); err != nil {
		if !engine.IsAlreadyAttached(err) {
			a.compensate(ctx, handle.ID, container.ID, attached)
			return fmt.Errorf("attach network: %w", err)
		}
	}
	attached = true

	monitor.Status = model.MonitorRunning
	if err := a.Registry.Save(ctx, monitor); err != nil {
		a.compensate(ctx, handle.ID, container.ID, attached)
		return fmt.Errorf("persist monitor: %w", err)
	}

	log.Ctx(ctx).Info().Str("container", container.String()).Str("monitor", monitor.URI).
		Msg("CreateMonitor: companion running and persisted")
	return nil
}

// compensate best-effort cleans up a partially created companion: removing
// the container and, if the logged container was attached, detaching it
// from the network. Failures here are logged and swallowed -- the next
// reconciler pass is the real safety net.
func (a *Actions) compensate(ctx context.Context, companionID, loggedContainerID string, attached bool) {
	if attached {
		if err := a.Engine.DetachNetwork(ctx, loggedContainerID, a.Config.LogstashNetwork); err != nil && !engine.IsNotFound(err) {
			log.Ctx(ctx).Warn().Err(err).Str("container_id", loggedContainerID).
				Msg("compensation: failed to detach network")
		}
	}
	if err := a.Engine.Remove(ctx, companionID, true); err != nil && !engine.IsNotFound(err) {
		log.Ctx(ctx).Warn().Err(err).Str("companion_id", companionID).
			Msg("compensation: failed to remove companion")
	}
}

// RemoveMonitor stops and removes the companion container and deletes the
// registry record. It is idempotent: calling it twice in a row (or against
// an already-vanished companion) is equivalent to calling it once. monitor
// may be nil -- callers that only know a logged container might have a
// monitor (without having observed the record yet, e.g. a delta handler
// racing its own in-flight CreateMonitor) can enqueue with monitor=nil and
// let this precondition check resolve whatever the registry actually shows
// once the action runs.
func (a *Actions) RemoveMonitor(ctx context.Context, container *model.Container, monitor *model.Monitor) error {
	current, ok, err := a.Registry.FindByLoggedContainer(ctx, container.URI)
	if err != nil {
		return fmt.Errorf("precondition check: %w", err)
	}
	if !ok || (monitor != nil && current.ID != monitor.ID) {
		log.Ctx(ctx).Info().Str("container", container.String()).
			Msg("RemoveMonitor: no matching monitor present, skipping")
		return nil
	}
	monitor = current

	if err := a.Engine.Stop(ctx, monitor.ID, StopDeadline); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("monitor", monitor.URI).
			Msg("RemoveMonitor: stop failed, continuing to remove")
	}

	removeErr := a.Engine.Remove(ctx, monitor.ID, true)
	if removeErr != nil && !engine.IsNotFound(removeErr) {
		return fmt.Errorf("remove companion: %w", removeErr)
	}

	if err := a.Registry.Remove(ctx, monitor); err != nil {
		return fmt.Errorf("delete monitor record: %w", err)
	}

	if err := a.Engine.DetachNetwork(ctx, container.ID, a.Config.LogstashNetwork); err != nil && !engine.IsNotFound(err) {
		log.Ctx(ctx).Warn().Err(err).Str("container", container.String()).
			Msg("RemoveMonitor: detach network failed, ignoring")
	}

	log.Ctx(ctx).Info().Str("container", container.String()).Str("monitor", monitor.URI).
		Msg("RemoveMonitor: companion removed and record deleted")
	return nil
}

// RestartMonitor removes the current companion and creates a fresh one, in
// the same serialized slot. This specification deliberately runs the full
// CreateMonitor (including the network-attach step) rather than the
// historical shortcut that skipped it -- see the Open Question this
// resolves.
func (a *Actions) RestartMonitor(ctx context.Context, container *model.Container, monitor *model.Monitor) error {
	if err := a.RemoveMonitor(ctx, container, monitor); err != nil {
		return fmt.Errorf("restart: remove phase: %w", err)
	}
	if err := a.CreateMonitor(ctx, container); err != nil {
		return fmt.Errorf("restart: create phase: %w", err)
	}
	return nil
}

// companionSpec builds the engine.ContainerSpec for container's companion,
// resolving COMPOSE_SERVICE/COMPOSE_PROJECT via registry label lookups.
func (a *Actions) companionSpec(ctx context.Context, container *model.Container) engine.ContainerSpec {
	service, _, err := a.Registry.LabelValue(ctx, container.ID, ComposeServiceLabel)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("could not resolve COMPOSE_SERVICE label, leaving empty")
	}
	project := container.Project
	if v, ok, err := a.Registry.LabelValue(ctx, container.ID, ComposeProjectLabel); err == nil && ok {
		project = v
	}

	env := []string{
		"LOGSTASH_URL=logstash:5044",
		"DOCKER_ID=" + container.ID,
		"DOCKER_NAME=" + container.Name,
		"DOCKER_IMAGE=" + container.Image,
		"COMPOSE_SERVICE=" + service,
		"COMPOSE_PROJECT=" + project,
	}
	if a.Config.PacketbeatMaxMessageSize != "" {
		env = append(env, "PACKETBEAT_MAX_MESSAGE_SIZE="+a.Config.PacketbeatMaxMessageSize)
	}
	if a.Config.PacketbeatListenPorts != "" {
		env = append(env, "PACKETBEAT_LISTEN_PORTS="+a.Config.PacketbeatListenPorts)
	}

	return engine.ContainerSpec{
		Name:  container.Name + "-monitor",
		Image: a.Config.MonitorImage,
		Labels: map[string]string{
			model.NetworkMonitorLabel: container.URI,
		},
		Env:         env,
		NetworkMode: "container:" + container.ID,
		CapAdd:      []string{"NET_ADMIN", "NET_RAW"},
		AttachStdin: false,
	}
}
