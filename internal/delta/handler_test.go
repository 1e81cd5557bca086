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

package delta_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mu-semtech/network-monitor-reconciler/internal/delta"
	"github.com/mu-semtech/network-monitor-reconciler/internal/engine/engtest"
	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry/regtest"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

func TestDelta(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "delta handler suite")
}

type enqueuedCall struct {
	containerID string
	action      transition.Action
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueuedCall
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, containerID string, action transition.Action, container *model.Container, monitor *model.Monitor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueuedCall{containerID: containerID, action: action})
}

func (f *fakeEnqueuer) snapshot() []enqueuedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueuedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/.mu/delta", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var _ = Describe("delta handler", func() {
	It("enqueues CreateMonitor when an eligible container's docker:state turns running", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)

		enq := &fakeEnqueuer{}
		h := delta.New(reg, enq)

		body := `[{"inserts":[
			{"subject":"u1#state","predicate":"docker:status","object":"running"}
		]},{"deletes":[]}]`
		rec := post(h, body)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(enq.snapshot()).To(ConsistOf(enqueuedCall{containerID: "c1", action: transition.CreateMonitor}))
	})

	It("enqueues RemoveMonitor when a monitored container's docker:state turns exited", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)
		Expect(reg.Save(context.Background(), &model.Monitor{
			URI:             "http://mu.semte.ch/network-monitors/m1",
			ID:              "m1",
			Status:          model.MonitorRunning,
			DockerContainer: "u1",
		})).To(Succeed())
		reg.SetContainerStatus("u1", model.StatusExited)

		enq := &fakeEnqueuer{}
		h := delta.New(reg, enq)

		body := `[{"deletes":[]},{"inserts":[
			{"subject":"u1#state","predicate":"docker:status","object":"exited"}
		]}]`
		rec := post(h, body)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(enq.snapshot()).To(ConsistOf(enqueuedCall{containerID: "c1", action: transition.RemoveMonitor}))
	})

	It("deduplicates repeated identical status changes within a single batch", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)

		enq := &fakeEnqueuer{}
		h := delta.New(reg, enq)

		body := `[{"inserts":[
			{"subject":"u1#state","predicate":"docker:status","object":"running"},
			{"subject":"u1#state","predicate":"docker:status","object":"running"}
		]},{"deletes":[]}]`
		rec := post(h, body)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(enq.snapshot()).To(HaveLen(1))
	})

	It("still responds 200 on a malformed body, enqueuing nothing", func() {
		reg := regtest.New()
		enq := &fakeEnqueuer{}
		h := delta.New(reg, enq)

		rec := post(h, "not json")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(enq.snapshot()).To(BeEmpty())
	})

	It("runs CreateMonitor then RemoveMonitor in order when a container is created then exits before either completes", func() {
		// Regression: two deltas for the same container arrive in one batch,
		// "created" then "exited". At the moment the second is decided, the
		// first's CreateMonitor hasn't run yet, so the registry still shows
		// no monitor -- the handler must not mistake that for "nothing to
		// do" and drop the exit entirely.
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusCreated}, true)

		eng := engtest.New()
		eng.Seed(engtest.Container{ID: "c1", Name: "app", Running: false})

		actions := &transition.Actions{
			Engine:   eng,
			Registry: reg,
			Config:   transition.ActionConfig{MonitorImage: "packetbeat:7", LogstashNetwork: "logstash-net"},
		}
		txEngine := transition.New(actions)
		h := delta.New(reg, txEngine)

		body := `[{"inserts":[
			{"subject":"u1#state","predicate":"docker:status","object":"created"},
			{"subject":"u1#state","predicate":"docker:status","object":"exited"}
		]},{"deletes":[]}]`
		rec := post(h, body)
		Expect(rec.Code).To(Equal(http.StatusOK))

		Eventually(txEngine.Wait("c1")).Should(BeClosed())

		_, hasMonitor, err := reg.FindByLoggedContainer(context.Background(), "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(hasMonitor).To(BeFalse())

		listed, err := eng.List(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(listed).To(HaveLen(1)) // only "c1" remains; the companion was created then cleaned up
	})

	It("becomes a no-op after StopAccepting, while still responding 200", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)

		enq := &fakeEnqueuer{}
		h := delta.New(reg, enq)
		h.StopAccepting()

		body := `[{"inserts":[
			{"subject":"u1#state","predicate":"docker:status","object":"running"}
		]},{"deletes":[]}]`
		rec := post(h, body)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(enq.snapshot()).To(BeEmpty())
	})
})
