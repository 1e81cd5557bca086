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

package sparql

import (
	"context"
	"fmt"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry"
)

// Store implements registry.Store over a SPARQL endpoint.
type Store struct {
	client *Client
	graph  string
	filter containerFilter
}

var _ registry.Store = (*Store)(nil)

// NewStore returns a registry.Store talking to the SPARQL endpoint at
// endpoint, scoped to the given application graph, using filterFragment as
// the operator-supplied CAPTURE_CONTAINER_FILTER eligibility fragment.
func NewStore(endpoint, graph, filterFragment string) *Store {
	return &Store{
		client: New(endpoint),
		graph:  graph,
		filter: containerFilter(filterFragment),
	}
}

// Ready probes registry liveness at startup.
func (s *Store) Ready(ctx context.Context) (bool, error) {
	ok, err := s.client.Ask(ctx, readyQuery)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// EligibleContainers returns every Container currently matching the
// eligibility predicate.
func (s *Store) EligibleContainers(ctx context.Context) ([]*model.Container, error) {
	res, err := s.client.Query(ctx, eligibleContainersQuery(s.graph, s.filter))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Container, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		out = append(out, &model.Container{
			URI:    b["uri"].Value,
			ID:     b["id"].Value,
			Name:   b["name"].Value,
			Image:  b["image"].Value,
			Status: model.StatusRunning,
		})
	}
	return out, nil
}

// IsEligible re-evaluates the eligibility predicate for a single container
// URI.
func (s *Store) IsEligible(ctx context.Context, containerURI string) (bool, error) {
	return s.client.Ask(ctx, isEligibleQuery(s.graph, s.filter, containerURI))
}

// ResolveContainerByState dereferences a docker:state subject back to the
// Container it belongs to.
func (s *Store) ResolveContainerByState(ctx context.Context, stateURI string) (*model.Container, bool, error) {
	res, err := s.client.Query(ctx, containerByStateQuery(s.graph, stateURI))
	if err != nil {
		return nil, false, err
	}
	if len(res.Results.Bindings) == 0 {
		return nil, false, nil
	}
	b := res.Results.Bindings[0]
	return &model.Container{
		URI:    b["uri"].Value,
		ID:     b["id"].Value,
		Name:   b["name"].Value,
		Image:  b["image"].Value,
		Status: statusFromBinding(b),
	}, true, nil
}

// LabelValue looks up a single Docker label value by container engine ID.
func (s *Store) LabelValue(ctx context.Context, containerID, key string) (string, bool, error) {
	res, err := s.client.Query(ctx, labelValueQuery(s.graph, containerID, key))
	if err != nil {
		return "", false, err
	}
	if len(res.Results.Bindings) == 0 {
		return "", false, nil
	}
	return res.Results.Bindings[0]["v"].Value, true, nil
}

// FindAll returns all Monitor records, optionally filtered by status.
func (s *Store) FindAll(ctx context.Context, status model.MonitorStatus) ([]*model.Monitor, error) {
	res, err := s.client.Query(ctx, monitorsQuery(s.graph, status))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Monitor, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		out = append(out, monitorFromBinding(b))
	}
	return out, nil
}

// FindByLoggedContainer returns the unique running Monitor for a logged
// container URI, or (nil, false, nil) if there is none.
func (s *Store) FindByLoggedContainer(ctx context.Context, containerURI string) (*model.Monitor, bool, error) {
	res, err := s.client.Query(ctx, monitorByLoggedContainerQuery(s.graph, containerURI))
	if err != nil {
		return nil, false, err
	}
	if len(res.Results.Bindings) == 0 {
		return nil, false, nil
	}
	return monitorFromBinding(res.Results.Bindings[0]), true, nil
}

// FindByMonitorHost returns the Monitor whose ID equals companionID.
func (s *Store) FindByMonitorHost(ctx context.Context, companionID string) (*model.Monitor, bool, error) {
	res, err := s.client.Query(ctx, monitorByHostQuery(s.graph, companionID))
	if err != nil {
		return nil, false, err
	}
	if len(res.Results.Bindings) == 0 {
		return nil, false, nil
	}
	return monitorFromBinding(res.Results.Bindings[0]), true, nil
}

// GetLoggedContainer dereferences a Monitor's DockerContainer URI.
func (s *Store) GetLoggedContainer(ctx context.Context, m *model.Monitor) (*model.Container, bool, error) {
	res, err := s.client.Query(ctx, containerByURIQuery(s.graph, m.DockerContainer))
	if err != nil {
		return nil, false, err
	}
	if len(res.Results.Bindings) == 0 {
		return nil, false, nil
	}
	b := res.Results.Bindings[0]
	return &model.Container{
		URI:    m.DockerContainer,
		ID:     b["id"].Value,
		Name:   b["name"].Value,
		Image:  b["image"].Value,
		Status: statusFromBinding(b),
	}, true, nil
}

// ContainerStatus returns the currently persisted status of the companion
// container a Monitor tracks.
func (s *Store) ContainerStatus(ctx context.Context, m *model.Monitor) (model.ContainerStatus, error) {
	res, err := s.client.Query(ctx, containerStatusQuery(s.graph, m.ID))
	if err != nil {
		return model.StatusNone, err
	}
	if len(res.Results.Bindings) == 0 {
		return model.StatusNone, nil
	}
	return model.ContainerStatus(res.Results.Bindings[0]["status"].Value), nil
}

// Save inserts or replaces a Monitor record, keyed by its URI.
func (s *Store) Save(ctx context.Context, m *model.Monitor) error {
	if m.URI == "" {
		return &Error{Op: "save", Err: fmt.Errorf("monitor has no URI yet (BindCompanion not called)")}
	}
	if err := s.client.Update(ctx, saveMonitorUpdate(s.graph, m)); err != nil {
		return err
	}
	m.Persisted = true
	return nil
}

// Remove deletes a Monitor record. Tolerant of "already removed".
func (s *Store) Remove(ctx context.Context, m *model.Monitor) error {
	return s.client.Update(ctx, removeMonitorUpdate(s.graph, m))
}

func monitorFromBinding(b map[string]Binding) *model.Monitor {
	return &model.Monitor{
		URI:             b["uri"].Value,
		ID:              b["id"].Value,
		Status:          model.MonitorStatus(b["status"].Value),
		DockerContainer: b["dockerContainer"].Value,
		Persisted:       true,
	}
}

func statusFromBinding(b map[string]Binding) model.ContainerStatus {
	if v, ok := b["status"]; ok && v.Value != "" {
		return model.ContainerStatus(v.Value)
	}
	return model.StatusNone
}
