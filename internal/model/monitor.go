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

package model

import "fmt"

// MonitorStatus is the lifecycle status of a companion monitor container as
// tracked in the registry.
type MonitorStatus string

const (
	MonitorCreating MonitorStatus = "creating"
	MonitorRunning  MonitorStatus = "running"
	MonitorRemoved  MonitorStatus = "removed"
)

// MonitorURIPrefix is prepended to a companion container's engine ID to
// derive its stable registry URI, per the persisted monitor URI convention.
const MonitorURIPrefix = "http://mu.semte.ch/network-monitors/"

// MonitorURI derives the registry URI for a companion container identified
// by its engine ID.
func MonitorURI(companionID string) string {
	return MonitorURIPrefix + companionID
}

// NetworkMonitorLabel is the Docker label carried by every companion
// container, set to the URI of the logged container it watches. Its presence
// is also how the eligibility query excludes companions from being treated
// as application containers in their own right.
const NetworkMonitorLabel = "mu.semte.ch.networkMonitor"

// Monitor is a companion network-capture container together with its
// bookkeeping in the registry. Save persists a full replacement of the
// record keyed by URI.
type Monitor struct {
	ID              string        // engine ID of the companion container, once running
	URI             string        // registry identity, MonitorURI(ID)
	Status          MonitorStatus // creating, running or removed
	DockerContainer string        // URI of the Container this monitor watches
	Persisted       bool          // true once Save has been called at least once
}

// NewMonitor returns a Monitor in MonitorCreating status for the given
// logged container, not yet assigned an engine ID or persisted.
func NewMonitor(loggedContainerURI string) *Monitor {
	return &Monitor{
		Status:          MonitorCreating,
		DockerContainer: loggedContainerURI,
	}
}

// BindCompanion fixes the Monitor's identity to a freshly created companion
// container, deriving its registry URI.
func (m *Monitor) BindCompanion(companionID string) {
	m.ID = companionID
	m.URI = MonitorURI(companionID)
}

// String renders a short diagnostic description, suitable for structured log
// fields.
func (m Monitor) String() string {
	return fmt.Sprintf("monitor %s (status=%s, watches=%s)", m.URI, m.Status, m.DockerContainer)
}
