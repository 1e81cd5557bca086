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

// Package config decodes the reconciler's process environment into a typed
// Config, optionally pre-loaded from a .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full set of operator-provided settings, see the env tags
// for the variable names.
type Config struct {
	MonitorImage    string `env:"MONITOR_IMAGE,required"`
	LogstashNetwork string `env:"LOGSTASH_NETWORK,required"`

	DockerSocket     string `env:"CAPTURE_DOCKER_SOCKET,required"`
	ApplicationGraph string `env:"APPLICATION_GRAPH,required"`
	ContainerFilter  string `env:"CAPTURE_CONTAINER_FILTER"`
	SparqlEndpoint   string `env:"SPARQL_ENDPOINT,required"`

	SyncIntervalMS  int `env:"CAPTURE_SYNC_INTERVAL,required"`
	ShutdownTimeout int `env:"SHUTDOWN_TIMEOUT,required"`

	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR,required"`
	HTTPListenAddr    string `env:"HTTP_LISTEN_ADDR,required"`

	PacketbeatMaxMessageSize string `env:"PACKETBEAT_MAX_MESSAGE_SIZE"`
	PacketbeatListenPorts    string `env:"PACKETBEAT_LISTEN_PORTS"`
}

// SyncInterval is CAPTURE_SYNC_INTERVAL as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// ShutdownDeadline is SHUTDOWN_TIMEOUT as a time.Duration.
func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Millisecond
}

// Load decodes Config from the environment, first optionally merging in a
// .env file if one is present in the working directory. A missing .env is
// not an error; a missing required environment variable is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
