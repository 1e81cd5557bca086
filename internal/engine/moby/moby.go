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

// Package moby adapts a Docker engine client to the narrow engine.Client
// contract used by the rest of the reconciler.
package moby

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/mu-semtech/network-monitor-reconciler/internal/engine"
)

// APIClient is the slice of the Docker client used by Engine; client.Client
// satisfies it in production, a fake satisfies it in tests.
type APIClient interface {
	client.ContainerAPIClient
	client.NetworkAPIClient
	client.ImageAPIClient
	client.SystemAPIClient
	Close() error
}

// Engine is a Docker-backed engine.Client.
type Engine struct {
	moby APIClient
}

var _ engine.Client = (*Engine)(nil)

// New connects to the Docker daemon reachable at dockerHost (empty string
// picks up the usual environment defaults / local socket).
func New(dockerHost string) (*Engine, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cli), nil
}

// NewWithClient wraps an already-constructed Docker API client; normally you
// would want to use this lower-level constructor only in unit tests.
func NewWithClient(moby APIClient) *Engine {
	return &Engine{moby: moby}
}

// Close releases the underlying Docker client's resources.
func (e *Engine) Close() error {
	return e.moby.Close()
}

// List returns the live containers known to the engine.
func (e *Engine) List(ctx context.Context) ([]engine.ListedContainer, error) {
	containers, err := e.moby.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return nil, engine.NewTransientError("list", err)
	}
	out := make([]engine.ListedContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, engine.ListedContainer{
			ID:    c.ID,
			Names: c.Names,
			Image: c.Image,
		})
	}
	return out, nil
}

// Pull ensures the image is present locally, draining the pull progress
// stream before returning.
func (e *Engine) Pull(ctx context.Context, image string) error {
	rc, err := e.moby.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return engine.NewTransientError("pull", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return engine.NewTransientError("pull", err)
	}
	return nil
}

// Create creates (but does not start) a companion container from spec.
func (e *Engine) Create(ctx context.Context, spec engine.ContainerSpec) (engine.Handle, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Labels:       spec.Labels,
		Env:          spec.Env,
		AttachStdin:  spec.AttachStdin,
		Tty:          false,
		OpenStdin:    false,
		ExposedPorts: nil,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		CapAdd:      spec.CapAdd,
	}
	created, err := e.moby.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return engine.Handle{}, engine.NewTransientError("create", err)
	}
	return engine.Handle{ID: created.ID}, nil
}

// Start starts a previously created container.
func (e *Engine) Start(ctx context.Context, id string) error {
	if err := e.moby.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return engine.NewNotFoundError("start", err)
		}
		return engine.NewTransientError("start", err)
	}
	return nil
}

// Stop asks a container to stop within deadline. Errors are reported, but
// the transition engine ignores them by design (the container may already
// be stopped).
func (e *Engine) Stop(ctx context.Context, id string, deadline time.Duration) error {
	secs := int(deadline.Seconds())
	if err := e.moby.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return engine.NewNotFoundError("stop", err)
		}
		return engine.NewTransientError("stop", err)
	}
	return nil
}

// Remove removes a container, optionally forcing removal of a running one.
func (e *Engine) Remove(ctx context.Context, id string, force bool) error {
	err := e.moby.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force})
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return engine.NewNotFoundError("remove", err)
	}
	return engine.NewTransientError("remove", err)
}

// AttachNetwork connects a container to a network, tolerating the case
// where it is already attached.
func (e *Engine) AttachNetwork(ctx context.Context, containerID, networkName string) error {
	err := e.moby.NetworkConnect(ctx, networkName, containerID, &network.EndpointSettings{})
	if err == nil {
		return nil
	}
	if isAlreadyAttached(err) {
		return engine.NewAlreadyAttachedError("attach-network", err)
	}
	if errdefs.IsNotFound(err) {
		return engine.NewNotFoundError("attach-network", err)
	}
	return engine.NewTransientError("attach-network", err)
}

// DetachNetwork disconnects a container from a network.
func (e *Engine) DetachNetwork(ctx context.Context, containerID, networkName string) error {
	err := e.moby.NetworkDisconnect(ctx, networkName, containerID, true)
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return engine.NewNotFoundError("detach-network", err)
	}
	return engine.NewTransientError("detach-network", err)
}

// Get looks up a container handle via a plain inspect, without otherwise
// touching engine state.
func (e *Engine) Get(ctx context.Context, id string) (engine.Handle, error) {
	details, err := e.moby.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return engine.Handle{}, engine.NewNotFoundError("get", err)
		}
		return engine.Handle{}, engine.NewTransientError("get", err)
	}
	return engine.Handle{ID: details.ID}, nil
}

// isAlreadyAttached recognizes Docker's "endpoint already exists in
// network" conflict, which the Docker API does not expose as a distinct
// errdefs kind.
func isAlreadyAttached(err error) bool {
	return strings.Contains(err.Error(), "already exists in network") ||
		strings.Contains(err.Error(), "already attached")
}
