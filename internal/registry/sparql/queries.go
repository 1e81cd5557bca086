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
	"fmt"
	"strings"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
)

// prefixes are prepended to every query issued against the registry.
const prefixes = `
PREFIX docker: <https://w3.org/ns/bde/docker#>
PREFIX logger: <http://mu.semte.ch/vocabularies/ext/docker-logger/>
PREFIX mu: <http://mu.semte.ch/vocabularies/core/>
`

// graphClause wraps body in a GRAPH block scoped to the configured
// application graph.
func graphClause(graph, body string) string {
	return fmt.Sprintf("GRAPH <%s> {\n%s\n}", graph, body)
}

// escapeLiteral escapes a string for use inside a SPARQL string literal.
func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// containerFilter is the CAPTURE_CONTAINER_FILTER configuration value: an
// opaque query fragment spliced verbatim into the eligibility query. This is
// operator-trusted configuration, never derived from user input reaching
// this process at runtime. (State URIs from the delta feed do reach query
// text: containerByStateQuery splices them in as IRIs, unescaped.) A
// future revision could replace the
// splice with a structured filter (e.g. a label allow-list) to remove the
// trust requirement entirely; this implementation preserves the existing
// behavior as specified.
type containerFilter string

// eligibleContainersQuery returns the SELECT query enumerating every
// Container currently matching the eligibility predicate: running, matching
// the operator-supplied filter fragment, and not itself a monitor.
func eligibleContainersQuery(graph string, filter containerFilter) string {
	body := fmt.Sprintf(`
?uri a docker:Container ;
     docker:id ?id ;
     docker:name ?name ;
     docker:image ?image ;
     docker:state/docker:status "running" .
%s
FILTER NOT EXISTS { ?uri docker:label/docker:key "%s" }
`, string(filter), model.NetworkMonitorLabel)
	return prefixes + "SELECT ?uri ?id ?name ?image WHERE {\n" + graphClause(graph, body) + "\n}"
}

// isEligibleQuery returns the ASK query re-evaluating eligibility for a
// single container URI.
func isEligibleQuery(graph string, filter containerFilter, containerURI string) string {
	body := fmt.Sprintf(`
<%s> a docker:Container ;
     docker:state/docker:status "running" .
%s
FILTER NOT EXISTS { <%s> docker:label/docker:key "%s" }
`, containerURI, string(filter), containerURI, model.NetworkMonitorLabel)
	return prefixes + "ASK {\n" + graphClause(graph, body) + "\n}"
}

// monitorsQuery returns the SELECT query listing Monitor records, optionally
// filtered by status.
func monitorsQuery(graph string, status model.MonitorStatus) string {
	statusFilter := ""
	if status != "" {
		statusFilter = fmt.Sprintf(`FILTER (?status = "%s")`, escapeLiteral(string(status)))
	}
	body := fmt.Sprintf(`
?uri a logger:NetworkMonitor ;
     mu:uuid ?id ;
     logger:status ?status ;
     logger:monitors ?dockerContainer .
%s
`, statusFilter)
	return prefixes + "SELECT ?uri ?id ?status ?dockerContainer WHERE {\n" + graphClause(graph, body) + "\n}"
}

// monitorByLoggedContainerQuery finds the running Monitor for a given
// logged-container URI.
func monitorByLoggedContainerQuery(graph, containerURI string) string {
	body := fmt.Sprintf(`
?uri a logger:NetworkMonitor ;
     mu:uuid ?id ;
     logger:status ?status ;
     logger:monitors ?dockerContainer .
FILTER (?dockerContainer = <%s>)
FILTER (?status = "%s")
`, containerURI, model.MonitorRunning)
	return prefixes + "SELECT ?uri ?id ?status ?dockerContainer WHERE {\n" + graphClause(graph, body) + "\n}"
}

// monitorByHostQuery finds the Monitor whose companion container ID
// matches companionID.
func monitorByHostQuery(graph, companionID string) string {
	body := fmt.Sprintf(`
?uri a logger:NetworkMonitor ;
     mu:uuid ?id ;
     logger:status ?status ;
     logger:monitors ?dockerContainer .
FILTER (?id = "%s")
`, escapeLiteral(companionID))
	return prefixes + "SELECT ?uri ?id ?status ?dockerContainer WHERE {\n" + graphClause(graph, body) + "\n}"
}

// containerByURIQuery fetches the Container projection for a single URI.
func containerByURIQuery(graph, containerURI string) string {
	body := fmt.Sprintf(`
<%s> a docker:Container ;
     docker:id ?id ;
     docker:name ?name ;
     docker:image ?image .
OPTIONAL { <%s> docker:state/docker:status ?status }
`, containerURI, containerURI)
	return prefixes + "SELECT ?id ?name ?image ?status WHERE {\n" + graphClause(graph, body) + "\n}"
}

// containerStatusQuery fetches just the status literal for the container
// with the given engine ID.
func containerStatusQuery(graph, containerID string) string {
	body := fmt.Sprintf(`?c docker:id "%s" ;
   docker:state/docker:status ?status .`, escapeLiteral(containerID))
	return prefixes + "SELECT ?status WHERE {\n" + graphClause(graph, body) + "\n}"
}

// containerByStateQuery dereferences a docker:state subject back to its
// owning Container.
func containerByStateQuery(graph, stateURI string) string {
	body := fmt.Sprintf(`
?uri a docker:Container ;
     docker:id ?id ;
     docker:name ?name ;
     docker:image ?image ;
     docker:state <%s> .
OPTIONAL { <%s> docker:status ?status }
`, stateURI, stateURI)
	return prefixes + "SELECT ?uri ?id ?name ?image ?status WHERE {\n" + graphClause(graph, body) + "\n}"
}

// labelValueQuery fetches a single Docker label value by container engine
// ID and label key.
func labelValueQuery(graph, containerID, key string) string {
	body := fmt.Sprintf(`
?uri docker:id "%s" ;
     docker:label ?l .
?l docker:key "%s" ;
   docker:value ?v .
`, escapeLiteral(containerID), escapeLiteral(key))
	return prefixes + "SELECT ?v WHERE {\n" + graphClause(graph, body) + "\n}"
}

// readyQuery is the generic registry liveness probe.
const readyQuery = "ASK { ?s ?p ?o }"

// saveMonitorUpdate returns the SPARQL Update deleting any existing triples
// for m.URI and inserting the replacement quad set -- a CAS-like overwrite.
func saveMonitorUpdate(graph string, m *model.Monitor) string {
	del := fmt.Sprintf(`DELETE WHERE { GRAPH <%s> { <%s> ?p ?o } };`, graph, m.URI)
	ins := fmt.Sprintf(`INSERT DATA { GRAPH <%s> {
  <%s> a logger:NetworkMonitor ;
       mu:uuid "%s" ;
       logger:status "%s" ;
       logger:monitors <%s> .
} }`, graph, m.URI, escapeLiteral(m.ID), escapeLiteral(string(m.Status)), m.DockerContainer)
	return prefixes + del + "\n" + ins
}

// removeMonitorUpdate returns the SPARQL Update deleting every triple about
// m.URI, tolerant of there being none.
func removeMonitorUpdate(graph string, m *model.Monitor) string {
	return prefixes + fmt.Sprintf(`DELETE WHERE { GRAPH <%s> { <%s> ?p ?o } }`, graph, m.URI)
}
