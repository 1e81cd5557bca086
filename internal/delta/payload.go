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

package delta

import "encoding/json"

// term is a single SPARQL-ish term of a delta triple. The delta-notifier
// convention represents terms as `{"type": "...", "value": "..."}` objects,
// but this package also accepts a bare JSON string for the value, both to
// match how the distilled spec's literal examples write triples and to be
// defensive about upstream producers that take the shortcut.
type term string

func (t *term) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = term(s)
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*t = term(obj.Value)
	return nil
}

// Triple is a single RDF statement as delivered in a delta's inserts or
// deletes array.
type Triple struct {
	Subject   term `json:"subject"`
	Predicate term `json:"predicate"`
	Object    term `json:"object"`
}

// entry is one of the two (inserts, deletes) objects in a delta payload.
type entry struct {
	Inserts []Triple `json:"inserts"`
	Deletes []Triple `json:"deletes"`
}

// Payload is the parsed delta POST body: a two-element array where exactly
// one element is expected to carry a non-empty Inserts. Per the spec, the
// ordering of the two objects is not guaranteed.
type Payload []entry

// Inserts returns the inserts of whichever entry in the payload carries a
// non-empty inserts array, and whether one was found at all. A payload
// where neither entry has inserts is a format error the caller should log
// (with the raw body) but still acknowledge with 200.
func (p Payload) Inserts() ([]Triple, bool) {
	for _, e := range p {
		if len(e.Inserts) > 0 {
			return e.Inserts, true
		}
	}
	return nil, false
}
