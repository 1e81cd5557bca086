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

// Package transition implements the per-container serialized work queue
// that is the sole mutator of Monitor records and their companion
// containers. Enqueue returns immediately; actions run on a dedicated
// goroutine per container id that exits once its queue drains, following
// the same "make-before-break" spirit as the whalewatcher portfolio
// swap, but applied to per-container FIFO ordering instead of whole-engine
// resynchronization.
package transition

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mu-semtech/network-monitor-reconciler/internal/model"
)

// Action identifies one of the three lifecycle transitions the engine can
// run for a container.
type Action int

const (
	CreateMonitor Action = iota
	RemoveMonitor
	RestartMonitor
)

func (a Action) String() string {
	switch a {
	case CreateMonitor:
		return "CreateMonitor"
	case RemoveMonitor:
		return "RemoveMonitor"
	case RestartMonitor:
		return "RestartMonitor"
	default:
		return "Unknown"
	}
}

// item is one queued piece of work for a single container's worker.
type item struct {
	action    Action
	container *model.Container
	monitor   *model.Monitor
}

// Runner executes the three lifecycle actions. Actions is the production
// implementation backed by an engine.Client and a registry.Store; tests may
// substitute a fake.
type Runner interface {
	CreateMonitor(ctx context.Context, container *model.Container) error
	RemoveMonitor(ctx context.Context, container *model.Container, monitor *model.Monitor) error
	RestartMonitor(ctx context.Context, container *model.Container, monitor *model.Monitor) error
}

// Recorder observes action lifecycle events for metrics purposes. nopRecorder
// is used when New is called without one.
type Recorder interface {
	Enqueued(action Action)
	Completed(action Action)
	Failed(action Action)
}

type nopRecorder struct{}

func (nopRecorder) Enqueued(Action)  {}
func (nopRecorder) Completed(Action) {}
func (nopRecorder) Failed(Action)    {}

// queue is the per-container mutable state: a FIFO of pending items and the
// channel that callers of Wait block on until the queue drains.
type queue struct {
	items []item
	done  chan struct{}
}

// Engine is the per-container serialized transition engine. At most one
// action is ever in flight for a given container id; actions for different
// ids run fully in parallel.
type Engine struct {
	runner   Runner
	recorder Recorder

	mu      sync.Mutex
	queues  map[string]*queue // container id -> pending work
	closing bool              // set during shutdown: Enqueue becomes a no-op
}

// New returns a transition Engine that executes actions via runner.
func New(runner Runner) *Engine {
	return &Engine{
		runner:   runner,
		recorder: nopRecorder{},
		queues:   map[string]*queue{},
	}
}

// WithRecorder sets the metrics recorder used for subsequent Enqueue/run
// events and returns the engine for chaining.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// Enqueue appends an action for the container identified by containerID to
// its FIFO queue, starting a worker goroutine if none is currently
// draining that queue. It never blocks on the action's completion. Once
// shutdown (StopAccepting) has been called, Enqueue is a silent no-op.
func (e *Engine) Enqueue(ctx context.Context, containerID string, action Action, container *model.Container, monitor *model.Monitor) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		log.Ctx(ctx).Info().Str("container_id", containerID).Str("action", action.String()).
			Msg("dropping enqueue: transition engine is shutting down")
		return
	}
	q, exists := e.queues[containerID]
	if !exists {
		q = &queue{done: make(chan struct{})}
		e.queues[containerID] = q
	}
	q.items = append(q.items, item{action: action, container: container, monitor: monitor})
	startWorker := !exists
	e.mu.Unlock()

	e.recorder.Enqueued(action)

	if startWorker {
		go e.drain(ctx, containerID)
	}
}

// drain pops and runs items for containerID until its queue is empty, then
// removes the queue and closes its done channel so any Wait callers unblock.
func (e *Engine) drain(ctx context.Context, containerID string) {
	for {
		e.mu.Lock()
		q := e.queues[containerID]
		if q == nil || len(q.items) == 0 {
			if q != nil {
				delete(e.queues, containerID)
				close(q.done)
			}
			e.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items = q.items[1:]
		e.mu.Unlock()

		e.run(ctx, containerID, next)
	}
}

// run executes a single queued item, logging but never propagating errors:
// a failed action leaves the system in a state the next reconciliation pass
// will correct.
func (e *Engine) run(ctx context.Context, containerID string, it item) {
	logger := log.Ctx(ctx).With().Str("container_id", containerID).Str("action", it.action.String()).Logger()
	var err error
	switch it.action {
	case CreateMonitor:
		err = e.runner.CreateMonitor(ctx, it.container)
	case RemoveMonitor:
		err = e.runner.RemoveMonitor(ctx, it.container, it.monitor)
	case RestartMonitor:
		err = e.runner.RestartMonitor(ctx, it.container, it.monitor)
	}
	if err != nil {
		e.recorder.Failed(it.action)
		logger.Error().Err(err).Msg("transition action failed")
		return
	}
	e.recorder.Completed(it.action)
	logger.Debug().Msg("transition action completed")
}

// Wait returns a channel that closes once containerID's queue has fully
// drained. If there is no queue for containerID at the moment Wait is
// called, the returned channel is already closed.
func (e *Engine) Wait(containerID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[containerID]
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	return q.done
}

// StopAccepting marks the engine as shutting down: subsequent Enqueue calls
// are silently dropped. Already-queued and in-flight work is unaffected and
// drains normally; callers should Wait() on every container they care about
// after calling StopAccepting.
func (e *Engine) StopAccepting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closing = true
}

// ActiveContainers returns the container ids with a non-empty or
// in-flight queue, primarily for diagnostics and tests.
func (e *Engine) ActiveContainers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.queues))
	for id := range e.queues {
		ids = append(ids, id)
	}
	return ids
}
