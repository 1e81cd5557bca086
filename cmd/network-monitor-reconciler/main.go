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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mu-semtech/network-monitor-reconciler/internal/config"
	"github.com/mu-semtech/network-monitor-reconciler/internal/delta"
	"github.com/mu-semtech/network-monitor-reconciler/internal/engine/moby"
	"github.com/mu-semtech/network-monitor-reconciler/internal/lifecycle"
	"github.com/mu-semtech/network-monitor-reconciler/internal/metrics"
	"github.com/mu-semtech/network-monitor-reconciler/internal/reconciler"
	"github.com/mu-semtech/network-monitor-reconciler/internal/registry/sparql"
	"github.com/mu-semtech/network-monitor-reconciler/internal/transition"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx := logger.WithContext(context.Background())

	eng, err := moby.New(cfg.DockerSocket)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to container engine")
		return 1
	}
	defer eng.Close()

	reg := sparql.NewStore(cfg.SparqlEndpoint, cfg.ApplicationGraph, cfg.ContainerFilter)

	m := metrics.New()

	actions := &transition.Actions{
		Engine:   eng,
		Registry: reg,
		Config: transition.ActionConfig{
			MonitorImage:             cfg.MonitorImage,
			LogstashNetwork:          cfg.LogstashNetwork,
			PacketbeatMaxMessageSize: cfg.PacketbeatMaxMessageSize,
			PacketbeatListenPorts:    cfg.PacketbeatListenPorts,
		},
	}
	txEngine := transition.New(actions).WithRecorder(m)

	recon := reconciler.New(reg, txEngine)
	deltaHandler := delta.New(reg, txEngine)

	ctrl := &lifecycle.Controller{
		Registry:          reg,
		Engine:            eng,
		Transition:        txEngine,
		Reconciler:        recon,
		DeltaHandler:      deltaHandler,
		SyncInterval:      cfg.SyncInterval(),
		ShutdownDeadline:  cfg.ShutdownDeadline(),
		MonitorImage:      cfg.MonitorImage,
		HTTPListenAddr:    cfg.HTTPListenAddr,
		MetricsListenAddr: cfg.MetricsListenAddr,
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return ctrl.Run(runCtx)
}
