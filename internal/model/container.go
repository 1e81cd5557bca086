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

// Package model holds the plain data types shared between the registry, the
// engine driver, the transition engine and the reconciler. None of these
// types carry behaviour beyond simple predicates: all persistence and engine
// interaction lives behind the registry.Store and engine.Client interfaces so that
// Container and Monitor stay trivially comparable and easy to fake in tests.
package model

import "fmt"

// ContainerStatus mirrors the handful of lifecycle states a Docker container
// can report through `docker:state/docker:status`. StatusNone is used when
// the registry has no status recorded yet for a container.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
	StatusRemoving   ContainerStatus = "removing"
	StatusNone       ContainerStatus = "none"
)

// Alive reports whether a container in this status is a legitimate target for
// a running monitor, that is, it is either already up or on its way up.
func (s ContainerStatus) Alive() bool {
	return s == StatusRunning || s == StatusCreated
}

// Container is a read-only projection of an application container as mirrored
// into the registry. It is never mutated in place; the registry always hands
// out a fresh value.
type Container struct {
	URI     string          // stable registry identity, e.g. http://mu.semte.ch/...
	ID      string          // engine-assigned container ID
	Name    string          // human-friendly container name
	Image   string          // image reference the container was created from
	Project string          // optional Compose project label, or zero value
	Status  ContainerStatus // last known status, or StatusNone if unknown
}

// String renders a short diagnostic description of the container, suitable
// for structured log fields.
func (c Container) String() string {
	if c.Project != "" {
		return fmt.Sprintf("container %q (%s) [project %s]", c.Name, c.ID, c.Project)
	}
	return fmt.Sprintf("container %q (%s)", c.Name, c.ID)
}
