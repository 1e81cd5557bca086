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

// Package registry defines the persistence contract for Monitor records and
// the read-only queries over Container records. The production
// implementation (sparql subpackage) talks to a SPARQL 1.1 Query/Update HTTP
// endpoint; unit tests use the in-memory double in regtest.
package registry

import (
	"context"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
)

// Store is the registry contract. Every method may fail with a registry
// error (logged by the caller, which then aborts whatever action it was
// performing and lets the next reconciliation pass retry).
type Store interface {
	// Ready probes registry liveness at startup.
	Ready(ctx context.Context) (bool, error)

	// FindAll returns all Monitor records, optionally filtered by status. An
	// empty status means "no filter".
	FindAll(ctx context.Context, status model.MonitorStatus) ([]*model.Monitor, error)
	// FindByLoggedContainer returns the unique running Monitor for a logged
	// container URI, or (nil, false, nil) if there is none.
	FindByLoggedContainer(ctx context.Context, containerURI string) (*model.Monitor, bool, error)
	// FindByMonitorHost returns the Monitor whose ID equals the given
	// companion container ID, or (nil, false, nil) if there is none.
	FindByMonitorHost(ctx context.Context, companionID string) (*model.Monitor, bool, error)
	// GetLoggedContainer dereferences a Monitor's DockerContainer URI to the
	// Container it refers to.
	GetLoggedContainer(ctx context.Context, m *model.Monitor) (*model.Container, bool, error)
	// ContainerStatus returns the currently persisted status of the
	// companion container a Monitor tracks.
	ContainerStatus(ctx context.Context, m *model.Monitor) (model.ContainerStatus, error)
	// Save inserts or replaces a Monitor record, keyed by its URI.
	Save(ctx context.Context, m *model.Monitor) error
	// Remove deletes a Monitor record. Tolerant of "already removed".
	Remove(ctx context.Context, m *model.Monitor) error

	// EligibleContainers returns every Container currently matching the
	// eligibility predicate (running, filter fragment, not itself a
	// monitor).
	EligibleContainers(ctx context.Context) ([]*model.Container, error)
	// IsEligible re-evaluates the eligibility predicate for a single
	// container URI, used by the delta handler which only has a URI to
	// start from.
	IsEligible(ctx context.Context, containerURI string) (bool, error)
	// ResolveContainerByState dereferences a docker:state subject back to
	// the Container it belongs to.
	ResolveContainerByState(ctx context.Context, stateURI string) (*model.Container, bool, error)
	// LabelValue looks up a single Docker label value for a container by
	// engine ID, used to resolve COMPOSE_SERVICE/COMPOSE_PROJECT.
	LabelValue(ctx context.Context, containerID, key string) (string, bool, error)
}
