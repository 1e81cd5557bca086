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

// Package engtest provides an in-memory engine.Client double for unit tests,
// grounded on the same "map of mocked containers behind a mutex, plus
// hook-driven error injection" design as a Docker client test double, but
// narrowed down to the nine operations (plus Close) engine.Client actually
// defines.
package engtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-semtech/network-monitor-reconciler/internal/engine"
)

// Container is a mocked companion/application container tracked by the fake
// engine.
type Container struct {
	ID          string
	Name        string
	Image       string
	Labels      map[string]string
	NetworkMode string
	Running     bool
	Networks    map[string]bool // attached network names
}

// Hooks lets a test inject failures at specific call sites, keyed by
// operation name ("create", "start", "stop", "remove", "attach-network",
// "detach-network", "pull", "get", "list"). A nil or returning-nil hook
// means "succeed".
type Hooks struct {
	mu    sync.Mutex
	funcs map[string]func(id string) error
}

// Fail arranges for the given operation to fail, returning err. The id is
// the container ID, except for "create" (the spec's name) and "pull" (the
// image). A hook for a non-empty id fires once, on the next matching call;
// a hook for id "" fires on every call of that operation ("list", whose
// calls carry no id, being the exception: its hook fires once).
func (h *Hooks) Fail(op, id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.funcs == nil {
		h.funcs = map[string]func(id string) error{}
	}
	h.funcs[op+"|"+id] = func(string) error { return err }
}

func (h *Hooks) check(op, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.funcs == nil {
		return nil
	}
	if f, ok := h.funcs[op+"|"+id]; ok {
		delete(h.funcs, op+"|"+id)
		return f(id)
	}
	if f, ok := h.funcs[op+"|"]; ok {
		return f(id)
	}
	return nil
}

// Engine is an in-memory engine.Client double.
type Engine struct {
	Hooks Hooks

	mu         sync.Mutex
	containers map[string]*Container
	pulled     map[string]bool
}

var _ engine.Client = (*Engine)(nil)

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		containers: map[string]*Container{},
		pulled:     map[string]bool{},
	}
}

// Seed pre-populates the fake engine with a container as given, including
// its Running flag, mimicking a container that was already there before
// the reconciler started.
func (e *Engine) Seed(c Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.Networks == nil {
		c.Networks = map[string]bool{}
	}
	cp := c
	e.containers[c.ID] = &cp
}

// Kill marks a container as no longer running without removing it, to
// simulate an externally-killed companion the next reconciler pass must
// notice.
func (e *Engine) Kill(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.Running = false
	}
}

// Has reports whether a container with the given ID still exists.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.containers[id]
	return ok
}

// Container returns a copy of the mocked container state, for assertions.
func (e *Engine) Container(id string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

func (e *Engine) Close() error { return nil }

func (e *Engine) List(ctx context.Context) ([]engine.ListedContainer, error) {
	if err := e.Hooks.check("list", ""); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.ListedContainer, 0, len(e.containers))
	for _, c := range e.containers {
		out = append(out, engine.ListedContainer{ID: c.ID, Names: []string{c.Name}, Image: c.Image})
	}
	return out, nil
}

func (e *Engine) Pull(ctx context.Context, image string) error {
	if err := e.Hooks.check("pull", image); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulled[image] = true
	return nil
}

func (e *Engine) Create(ctx context.Context, spec engine.ContainerSpec) (engine.Handle, error) {
	id := uuid.NewString()
	if err := e.Hooks.check("create", spec.Name); err != nil {
		return engine.Handle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[id] = &Container{
		ID:          id,
		Name:        spec.Name,
		Image:       spec.Image,
		Labels:      spec.Labels,
		NetworkMode: spec.NetworkMode,
		Running:     false,
		Networks:    map[string]bool{},
	}
	return engine.Handle{ID: id}, nil
}

func (e *Engine) Start(ctx context.Context, id string) error {
	if err := e.Hooks.check("start", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return engine.NewNotFoundError("start", fmt.Errorf("no such container: %s", id))
	}
	c.Running = true
	return nil
}

func (e *Engine) Stop(ctx context.Context, id string, deadline time.Duration) error {
	if err := e.Hooks.check("stop", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return engine.NewNotFoundError("stop", fmt.Errorf("no such container: %s", id))
	}
	c.Running = false
	return nil
}

func (e *Engine) Remove(ctx context.Context, id string, force bool) error {
	if err := e.Hooks.check("remove", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return engine.NewNotFoundError("remove", fmt.Errorf("no such container: %s", id))
	}
	delete(e.containers, id)
	return nil
}

func (e *Engine) AttachNetwork(ctx context.Context, containerID, network_ string) error {
	if err := e.Hooks.check("attach-network", containerID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[containerID]
	if !ok {
		return engine.NewNotFoundError("attach-network", fmt.Errorf("no such container: %s", containerID))
	}
	if c.Networks[network_] {
		return engine.NewAlreadyAttachedError("attach-network", fmt.Errorf("already attached"))
	}
	c.Networks[network_] = true
	return nil
}

func (e *Engine) DetachNetwork(ctx context.Context, containerID, network_ string) error {
	if err := e.Hooks.check("detach-network", containerID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[containerID]
	if !ok {
		return engine.NewNotFoundError("detach-network", fmt.Errorf("no such container: %s", containerID))
	}
	delete(c.Networks, network_)
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (engine.Handle, error) {
	if err := e.Hooks.check("get", id); err != nil {
		return engine.Handle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return engine.Handle{}, engine.NewNotFoundError("get", fmt.Errorf("no such container: %s", id))
	}
	return engine.Handle{ID: id}, nil
}
