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

package transition_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mu-semtech/network-monitor-reconciler/internal/engine"
	"github.com/mu-semtech/network-monitor-reconciler/internal/engine/engtest"
	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry/regtest"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

var _ = Describe("production actions", func() {
	var (
		eng  *engtest.Engine
		reg  *regtest.Store
		a    *transition.Actions
		ctx  context.Context
		c    *model.Container
	)

	BeforeEach(func() {
		eng = engtest.New()
		reg = regtest.New()
		a = &transition.Actions{
			Engine:   eng,
			Registry: reg,
			Config: transition.ActionConfig{
				MonitorImage:    "packetbeat:7",
				LogstashNetwork: "logstash-net",
			},
		}
		ctx = context.Background()
		c = &model.Container{URI: "u1", ID: "c1", Name: "app", Image: "nginx", Status: model.StatusRunning}
		eng.Seed(engtest.Container{ID: "c1", Name: "app", Running: true})
	})

	It("creates, starts and attaches a companion, then persists a running Monitor", func() {
		Expect(a.CreateMonitor(ctx, c)).To(Succeed())

		monitor, ok, err := reg.FindByLoggedContainer(ctx, c.URI)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(monitor.Status).To(Equal(model.MonitorRunning))

		companion, ok := eng.Container(monitor.ID)
		Expect(ok).To(BeTrue())
		Expect(companion.Running).To(BeTrue())

		// The companion shares the logged container's network namespace
		// (NetworkMode: container:<id>), so the network is attached to the
		// logged container itself, not the companion.
		host, ok := eng.Container(c.ID)
		Expect(ok).To(BeTrue())
		Expect(host.Networks).To(HaveKey("logstash-net"))
	})

	It("skips creating a second monitor when one is already running (benign reconciler race)", func() {
		Expect(a.CreateMonitor(ctx, c)).To(Succeed())
		before, _, _ := reg.FindByLoggedContainer(ctx, c.URI)

		Expect(a.CreateMonitor(ctx, c)).To(Succeed())
		after, _, _ := reg.FindByLoggedContainer(ctx, c.URI)

		Expect(after.ID).To(Equal(before.ID))
	})

	It("is idempotent: calling RemoveMonitor twice is equivalent to calling it once", func() {
		Expect(a.CreateMonitor(ctx, c)).To(Succeed())
		monitor, _, _ := reg.FindByLoggedContainer(ctx, c.URI)

		Expect(a.RemoveMonitor(ctx, c, monitor)).To(Succeed())
		_, ok, _ := reg.FindByLoggedContainer(ctx, c.URI)
		Expect(ok).To(BeFalse())
		Expect(eng.Has(monitor.ID)).To(BeFalse())

		Expect(a.RemoveMonitor(ctx, c, monitor)).To(Succeed())
		_, ok, _ = reg.FindByLoggedContainer(ctx, c.URI)
		Expect(ok).To(BeFalse())
	})

	It("restarts by fully removing and recreating, including the network attach", func() {
		Expect(a.CreateMonitor(ctx, c)).To(Succeed())
		oldMonitor, _, _ := reg.FindByLoggedContainer(ctx, c.URI)

		Expect(a.RestartMonitor(ctx, c, oldMonitor)).To(Succeed())

		Expect(eng.Has(oldMonitor.ID)).To(BeFalse())
		newMonitor, ok, _ := reg.FindByLoggedContainer(ctx, c.URI)
		Expect(ok).To(BeTrue())
		Expect(newMonitor.ID).NotTo(Equal(oldMonitor.ID))

		host, ok := eng.Container(c.ID)
		Expect(ok).To(BeTrue())
		Expect(host.Networks).To(HaveKey("logstash-net"))
	})

	It("fails CreateMonitor without touching the engine when the registry precondition check errors", func() {
		reg.FailNext = fmt.Errorf("registry unavailable")
		err := a.CreateMonitor(ctx, c)
		Expect(err).To(HaveOccurred())

		_, ok, _ := reg.FindByLoggedContainer(ctx, c.URI)
		Expect(ok).To(BeFalse())

		listed, err := eng.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(listed).To(HaveLen(1)) // only the seeded "c1"; no companion was created
	})

	It("treats an already-attached network as success", func() {
		// The logged container is already on the network before
		// CreateMonitor runs, so its attach step gets an already-attached
		// error.
		Expect(eng.AttachNetwork(ctx, c.ID, "logstash-net")).To(Succeed())

		Expect(a.CreateMonitor(ctx, c)).To(Succeed())
		_, ok, _ := reg.FindByLoggedContainer(ctx, c.URI)
		Expect(ok).To(BeTrue())
		host, _ := eng.Container(c.ID)
		Expect(host.Networks).To(HaveKey("logstash-net"))

		// The engine double reports a repeated attach as already-attached,
		// the condition CreateMonitor tolerates.
		err := eng.AttachNetwork(ctx, c.ID, "logstash-net")
		Expect(engine.IsAlreadyAttached(err)).To(BeTrue())
	})
})
