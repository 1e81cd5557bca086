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
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

func TestTransition(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "transition engine suite")
}

// recordingRunner records the start order of every action it runs, blocking
// briefly to give a racy implementation a chance to interleave.
type recordingRunner struct {
	mu     sync.Mutex
	starts []string
	delay  time.Duration
	fail   map[string]bool
}

func (r *recordingRunner) record(label string) {
	r.mu.Lock()
	r.starts = append(r.starts, label)
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
}

func (r *recordingRunner) CreateMonitor(ctx context.Context, c *model.Container) error {
	r.record("create:" + c.ID)
	if r.fail["create:"+c.ID] {
		return errBoom
	}
	return nil
}

func (r *recordingRunner) RemoveMonitor(ctx context.Context, c *model.Container, m *model.Monitor) error {
	r.record("remove:" + c.ID)
	return nil
}

func (r *recordingRunner) RestartMonitor(ctx context.Context, c *model.Container, m *model.Monitor) error {
	r.record("restart:" + c.ID)
	return nil
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

var _ = Describe("transition engine", func() {
	It("runs queued actions for a container in FIFO order", func() {
		runner := &recordingRunner{delay: 10 * time.Millisecond}
		e := transition.New(runner)

		ctx := context.Background()
		c := &model.Container{ID: "c1"}
		e.Enqueue(ctx, "c1", transition.CreateMonitor, c, nil)
		e.Enqueue(ctx, "c1", transition.RemoveMonitor, c, nil)
		e.Enqueue(ctx, "c1", transition.RestartMonitor, c, nil)

		Eventually(e.Wait("c1")).Should(BeClosed())

		runner.mu.Lock()
		defer runner.mu.Unlock()
		Expect(runner.starts).To(Equal([]string{"create:c1", "remove:c1", "restart:c1"}))
	})

	It("runs actions for distinct containers concurrently", func() {
		runner := &recordingRunner{delay: 20 * time.Millisecond}
		e := transition.New(runner)
		ctx := context.Background()

		start := time.Now()
		e.Enqueue(ctx, "a", transition.CreateMonitor, &model.Container{ID: "a"}, nil)
		e.Enqueue(ctx, "b", transition.CreateMonitor, &model.Container{ID: "b"}, nil)

		Eventually(e.Wait("a")).Should(BeClosed())
		Eventually(e.Wait("b")).Should(BeClosed())
		Expect(time.Since(start)).To(BeNumerically("<", 60*time.Millisecond))
	})

	It("does not propagate a failed action's error, leaving the queue to drain", func() {
		runner := &recordingRunner{fail: map[string]bool{"create:c1": true}}
		e := transition.New(runner)
		ctx := context.Background()

		e.Enqueue(ctx, "c1", transition.CreateMonitor, &model.Container{ID: "c1"}, nil)
		e.Enqueue(ctx, "c1", transition.RemoveMonitor, &model.Container{ID: "c1"}, nil)

		Eventually(e.Wait("c1")).Should(BeClosed())
		runner.mu.Lock()
		defer runner.mu.Unlock()
		Expect(runner.starts).To(Equal([]string{"create:c1", "remove:c1"}))
	})

	It("drops enqueues after StopAccepting", func() {
		runner := &recordingRunner{}
		e := transition.New(runner)
		ctx := context.Background()

		e.StopAccepting()
		e.Enqueue(ctx, "c1", transition.CreateMonitor, &model.Container{ID: "c1"}, nil)

		Consistently(func() []string {
			runner.mu.Lock()
			defer runner.mu.Unlock()
			return runner.starts
		}).Should(BeEmpty())
	})

	It("returns an already-closed channel for an id with no queue", func() {
		e := transition.New(&recordingRunner{})
		Expect(e.Wait("never-enqueued")).To(BeClosed())
	})
})
