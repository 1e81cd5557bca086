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

package reconciler_test

import (
	"context"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/reconciler"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry/regtest"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

func TestReconciler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "reconciler suite")
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

var _ = Describe("reconciler sweep", func() {
	It("enqueues CreateMonitor for an eligible container with no monitor", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)

		enq := &fakeEnqueuer{}
		r := reconciler.New(reg, enq)
		r.Sweep(context.Background())

		Expect(enq.calls).To(ConsistOf(enqueuedCall{containerID: "c1", action: transition.CreateMonitor}))
	})

	It("enqueues RemoveMonitor for a monitor whose container is no longer eligible", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, false)
		Expect(reg.Save(context.Background(), &model.Monitor{
			URI:             "http://mu.semte.ch/network-monitors/m1",
			ID:              "m1",
			Status:          model.MonitorRunning,
			DockerContainer: "u1",
		})).To(Succeed())

		enq := &fakeEnqueuer{}
		r := reconciler.New(reg, enq)
		r.Sweep(context.Background())

		Expect(enq.calls).To(ConsistOf(enqueuedCall{containerID: "c1", action: transition.RemoveMonitor}))
	})

	It("enqueues RestartMonitor when a monitor's companion has crashed", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)
		Expect(reg.Save(context.Background(), &model.Monitor{
			URI:             "http://mu.semte.ch/network-monitors/m1",
			ID:              "m1",
			Status:          model.MonitorRunning,
			DockerContainer: "u1",
		})).To(Succeed())
		reg.PutContainer(model.Container{URI: "http://mu.semte.ch/network-monitors/m1", ID: "m1", Status: model.StatusExited}, false)

		enq := &fakeEnqueuer{}
		r := reconciler.New(reg, enq)
		r.Sweep(context.Background())

		Expect(enq.calls).To(ConsistOf(enqueuedCall{containerID: "c1", action: transition.RestartMonitor}))
	})

	It("converges: a second sweep with no external change enqueues nothing", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)

		enq := &fakeEnqueuer{}
		r := reconciler.New(reg, enq)
		r.Sweep(context.Background())
		Expect(enq.calls).To(HaveLen(1))

		// Simulate the enqueued CreateMonitor having completed and been
		// persisted, as the transition engine would do, and the registry's
		// container mirror having picked up the running companion.
		Expect(reg.Save(context.Background(), &model.Monitor{
			URI:             "http://mu.semte.ch/network-monitors/c1mon",
			ID:              "c1mon",
			Status:          model.MonitorRunning,
			DockerContainer: "u1",
		})).To(Succeed())
		reg.PutContainer(model.Container{URI: "http://mu.semte.ch/network-monitors/c1mon", ID: "c1mon", Status: model.StatusRunning}, false)

		enq.calls = nil
		r.Sweep(context.Background())
		Expect(enq.calls).To(BeEmpty())
	})

	It("aborts the pass without enqueuing anything on a registry error", func() {
		reg := regtest.New()
		reg.PutContainer(model.Container{URI: "u1", ID: "c1", Name: "app", Status: model.StatusRunning}, true)
		reg.FailNext = errRegistryUnavailable

		enq := &fakeEnqueuer{}
		r := reconciler.New(reg, enq)
		r.Sweep(context.Background())

		Expect(enq.calls).To(BeEmpty())
	})
})

var errRegistryUnavailable = &registryError{}

type registryError struct{}

func (*registryError) Error() string { return "registry unavailable" }
