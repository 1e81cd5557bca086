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

// Package regtest provides an in-memory registry.Store double for unit
// tests, grounded on the same "map protected by a single RWMutex, values
// handed out by copy" design the whalewatcher Portfolio uses for its own
// concurrency story.
package regtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry"
)

// Store is an in-memory registry.Store double.
type Store struct {
	mu         sync.RWMutex
	monitors    map[string]*model.Monitor     // by URI
	containers  map[string]*model.Container   // by URI
	labels      map[string]map[string]string  // by container ID
	eligibleSet map[string]bool               // by container URI

	// FailNext, if set, is returned (and cleared) by the next call to any
	// Store method, letting tests exercise the "registry error" path.
	FailNext error
}

var _ registry.Store = (*Store)(nil)

// New returns an empty fake registry.
func New() *Store {
	return &Store{
		monitors:    map[string]*model.Monitor{},
		containers:  map[string]*model.Container{},
		labels:      map[string]map[string]string{},
		eligibleSet: map[string]bool{},
	}
}

func (s *Store) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.FailNext
	s.FailNext = nil
	return err
}

// PutContainer seeds a Container projection as if the registry's Docker
// mirror had already observed it. eligible marks it as matching the
// eligibility filter; EligibleContainers/IsEligible report it only when
// eligible is true and its Status is running or created.
func (s *Store) PutContainer(c model.Container, eligible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.containers[c.URI] = &cp
	if eligible {
		s.eligible(c.URI, true)
	} else {
		s.eligible(c.URI, false)
	}
}

func (s *Store) eligible(uri string, ok bool) {
	if s.eligibleSet == nil {
		s.eligibleSet = map[string]bool{}
	}
	s.eligibleSet[uri] = ok
}

// PutLabel seeds a Docker label value for a container ID.
func (s *Store) PutLabel(containerID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.labels[containerID]
	if !ok {
		m = map[string]string{}
		s.labels[containerID] = m
	}
	m[key] = value
}

// SetContainerStatus updates the status of a previously seeded container.
func (s *Store) SetContainerStatus(uri string, status model.ContainerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[uri]; ok {
		c.Status = status
	}
}

func (s *Store) Ready(ctx context.Context) (bool, error) {
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) EligibleContainers(ctx context.Context) ([]*model.Container, error) {
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Container{}
	for uri, c := range s.containers {
		if s.eligibleSet[uri] && c.Status.Alive() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) IsEligible(ctx context.Context, containerURI string) (bool, error) {
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[containerURI]
	if !ok {
		return false, nil
	}
	return s.eligibleSet[containerURI] && c.Status.Alive(), nil
}

func (s *Store) ResolveContainerByState(ctx context.Context, stateURI string) (*model.Container, bool, error) {
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	// In this fake, state URIs are conventionally "<containerURI>#state" so
	// a delta referencing a container's state can be resolved without a
	// full triple-store join.
	for uri, c := range s.containers {
		if uri+"#state" == stateURI {
			cp := *c
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) LabelValue(ctx context.Context, containerID, key string) (string, bool, error) {
	if err := s.takeFailure(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.labels[containerID]
	if !ok {
		return "", false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (s *Store) FindAll(ctx context.Context, status model.MonitorStatus) ([]*model.Monitor, error) {
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Monitor{}
	for _, m := range s.monitors {
		if status == "" || m.Status == status {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FindByLoggedContainer(ctx context.Context, containerURI string) (*model.Monitor, bool, error) {
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.monitors {
		if m.DockerContainer == containerURI && m.Status == model.MonitorRunning {
			cp := *m
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) FindByMonitorHost(ctx context.Context, companionID string) (*model.Monitor, bool, error) {
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.monitors {
		if m.ID == companionID {
			cp := *m
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) GetLoggedContainer(ctx context.Context, m *model.Monitor) (*model.Container, bool, error) {
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[m.DockerContainer]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *Store) ContainerStatus(ctx context.Context, m *model.Monitor) (model.ContainerStatus, error) {
	if err := s.takeFailure(); err != nil {
		return model.StatusNone, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.containers {
		if c.ID == m.ID {
			return c.Status, nil
		}
	}
	return model.StatusNone, nil
}

func (s *Store) Save(ctx context.Context, m *model.Monitor) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	if m.URI == "" {
		return fmt.Errorf("regtest: monitor has no URI yet")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.Persisted = true
	s.monitors[m.URI] = &cp
	m.Persisted = true
	return nil
}

func (s *Store) Remove(ctx context.Context, m *model.Monitor) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, m.URI)
	return nil
}
