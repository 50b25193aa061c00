/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package serverconfig builds the configuration file for the managed Consul
// server process.
//
// Build is deterministic: identical inputs (including peer ordering) render
// byte-identical output, which the reconciler relies on to detect that no
// workload change is needed.
package serverconfig

import (
	"encoding/json"
	"fmt"

	"github.com/clusterops/consul-operator/pkg/config"
	"github.com/clusterops/consul-operator/pkg/peers"
)

const (
	// DataDir is the Consul data directory inside the server container.
	DataDir = "/consul/data"

	// ConfigDir is the directory the rendered server config is mounted at.
	ConfigDir = "/consul/config"

	// FileName is the name of the rendered server configuration file.
	FileName = "server.json"
)

// Default Consul ports. Service mesh, DNS, gRPC and serf WAN are not
// supported and carry -1, which tells Consul to keep the listener closed.
const (
	HTTPPort    int32 = 8500
	SerfLANPort int32 = 8301
	RPCPort     int32 = 8300

	PortDisabled int32 = -1
)

// Ports is the Consul port table rendered into the server config.
type Ports struct {
	DNS     int32 `json:"dns"`
	HTTP    int32 `json:"http"`
	HTTPS   int32 `json:"https"`
	GRPC    int32 `json:"grpc"`
	GRPCTLS int32 `json:"grpc_tls"`
	SerfLAN int32 `json:"serf_lan"`
	SerfWAN int32 `json:"serf_wan"`
	Server  int32 `json:"server"`
}

// PortsFor returns the port table for the desired configuration. When gossip
// exposure is enabled the serf LAN listener moves to the node port itself, so
// the port a pod binds matches the port advertised to external agents.
func PortsFor(desired config.Desired) Ports {
	p := Ports{
		DNS:     PortDisabled,
		HTTP:    HTTPPort,
		HTTPS:   PortDisabled,
		GRPC:    PortDisabled,
		GRPCTLS: PortDisabled,
		SerfLAN: SerfLANPort,
		SerfWAN: PortDisabled,
		Server:  RPCPort,
	}
	if desired.ExposeGossipAndRPC {
		p.SerfLAN = desired.SerflanNodePort
	}
	return p
}

// Toggle is an enable/disable switch in the Consul config schema.
type Toggle struct {
	Enabled bool `json:"enabled"`
}

// File models the Consul server configuration document. Field order is fixed
// by the struct declaration, keeping the rendered JSON stable.
type File struct {
	BindAddr        string   `json:"bind_addr"`
	BootstrapExpect int32    `json:"bootstrap_expect"`
	ClientAddr      string   `json:"client_addr"`
	Connect         Toggle   `json:"connect"`
	Datacenter      string   `json:"datacenter"`
	DataDir         string   `json:"data_dir"`
	Ports           Ports    `json:"ports"`
	RetryJoin       []string `json:"retry_join"`
	Server          bool     `json:"server"`
	UIConfig        Toggle   `json:"ui_config"`
}

// BuildError reports that the platform has not yet provided the facts needed
// to build a server config. This is a recoverable condition; the reconciler
// surfaces it as Waiting and retries on the next event.
type BuildError struct {
	Missing string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("insufficient platform facts: %s", e.Missing)
}

// Build produces the server configuration for the given desired state and
// peer directory contents. It fails with a BuildError if no local join
// address has been assigned yet.
func Build(desired config.Desired, joinPeers []peers.Peer) (*File, error) {
	hasLocal := false
	retryJoin := make([]string, 0, len(joinPeers))
	for _, p := range joinPeers {
		if p.Source == peers.SourceLocal {
			hasLocal = true
		}
		retryJoin = append(retryJoin, p.String())
	}
	if !hasLocal {
		return nil, &BuildError{Missing: "local join address not yet assigned"}
	}

	return &File{
		BindAddr:        "0.0.0.0",
		BootstrapExpect: desired.Replicas,
		ClientAddr:      "0.0.0.0",
		Connect:         Toggle{Enabled: false},
		Datacenter:      desired.Datacenter,
		DataDir:         DataDir,
		Ports:           PortsFor(desired),
		RetryJoin:       retryJoin,
		Server:          true,
		UIConfig:        Toggle{Enabled: false},
	}, nil
}

// Render marshals the config file with stable indentation.
func (f *File) Render() ([]byte, error) {
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render server config: %w", err)
	}
	return out, nil
}
