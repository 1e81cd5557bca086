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

// Package engine defines the narrow contract the rest of the reconciler needs
// from a container engine, regardless of the engine's own, much wider, API.
// The Docker-specific implementation lives in the moby subpackage; tests use
// the in-memory double in engtest.
package engine

import (
	"context"
	"fmt"
	"time"
)

// Handle is the engine's own identifier for a container, returned by Create
// and accepted by every other operation.
type Handle struct {
	ID string
}

// ContainerSpec describes a companion container to be created. It mirrors
// just the handful of host-config knobs the reconciler actually needs.
type ContainerSpec struct {
	Name           string            // e.g. "{loggedName}-monitor"
	Image          string            // MONITOR_IMAGE
	Labels         map[string]string // e.g. {"mu.semte.ch.networkMonitor": uri}
	Env            []string          // "KEY=VALUE" pairs
	NetworkMode    string            // e.g. "container:{loggedContainer.ID}"
	CapAdd         []string          // e.g. {"NET_ADMIN", "NET_RAW"}
	AttachStdin    bool
}

// ListedContainer is the minimal projection List returns; it exists only to
// drive engine readiness checks, not portfolio bookkeeping (that lives in the
// registry).
type ListedContainer struct {
	ID    string
	Names []string
	Image string
}

// Client is the narrow, engine-agnostic contract the transition engine, the
// reconciler and the lifecycle controller depend on. Every call is fallible
// and every call accepts a context so it can be cancelled or time out; no
// method is guaranteed to return quickly.
type Client interface {
	// List returns the live containers known to the engine. Used only for
	// startup readiness probing.
	List(ctx context.Context) ([]ListedContainer, error)
	// Pull ensures the given image reference is present locally, blocking
	// until the engine's pull progress stream completes.
	Pull(ctx context.Context, image string) error
	// Create creates (but does not start) a container from spec.
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	// Start starts a previously created container.
	Start(ctx context.Context, id string) error
	// Stop asks a container to stop within the given deadline. Failure is
	// expected and ignored by callers when the container is already stopped.
	Stop(ctx context.Context, id string, deadline time.Duration) error
	// Remove removes a container. ErrNotFound is a valid terminal state, not
	// a failure, from the caller's perspective.
	Remove(ctx context.Context, id string, force bool) error
	// AttachNetwork connects a container to a network. ErrAlreadyAttached is
	// a valid terminal state, not a failure.
	AttachNetwork(ctx context.Context, containerID, network string) error
	// DetachNetwork disconnects a container from a network.
	DetachNetwork(ctx context.Context, containerID, network string) error
	// Get looks up a container handle without otherwise touching engine
	// state.
	Get(ctx context.Context, id string) (Handle, error)

	// Close releases any resources held by the underlying engine client.
	Close() error
}

// errKind distinguishes the handful of engine error conditions the core
// cares about from an otherwise opaque transport/engine error.
type errKind int

const (
	kindTransient errKind = iota
	kindNotFound
	kindAlreadyAttached
)

// engineError wraps an underlying engine error with a recognized kind so
// that callers can use IsNotFound/IsAlreadyAttached instead of string- or
// status-code-sniffing at every call site.
type engineError struct {
	kind errKind
	op   string
	err  error
}

func (e *engineError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.op, e.err)
}

func (e *engineError) Unwrap() error { return e.err }

// NewNotFoundError wraps err as a "not found" (HTTP 404-equivalent) engine
// error for operation op.
func NewNotFoundError(op string, err error) error {
	return &engineError{kind: kindNotFound, op: op, err: err}
}

// NewAlreadyAttachedError wraps err as an "already attached" (HTTP
// 403-equivalent) engine error for operation op.
func NewAlreadyAttachedError(op string, err error) error {
	return &engineError{kind: kindAlreadyAttached, op: op, err: err}
}

// NewTransientError wraps err as an ordinary, retryable engine error for
// operation op.
func NewTransientError(op string, err error) error {
	return &engineError{kind: kindTransient, op: op, err: err}
}

// IsNotFound reports whether err (or anything it wraps) represents a "not
// found" condition, which is a valid terminal state for Remove operations.
func IsNotFound(err error) bool {
	var ee *engineError
	for err != nil {
		if e, ok := err.(*engineError); ok {
			ee = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ee != nil && ee.kind == kindNotFound
}

// IsAlreadyAttached reports whether err represents a "network already
// attached" condition, which is a valid terminal state for AttachNetwork.
func IsAlreadyAttached(err error) bool {
	var ee *engineError
	for err != nil {
		if e, ok := err.(*engineError); ok {
			ee = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ee != nil && ee.kind == kindAlreadyAttached
}
