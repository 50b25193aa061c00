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

// Package config normalizes the user-supplied ConsulServer settings into a
// validated desired-configuration value.
//
// Resolve is a pure function: it never touches the API server, and it either
// returns a fully defaulted Desired or a ConfigError naming the offending
// field. A bad value is never partially applied.
package config

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
)

const (
	// DefaultDatacenter is the Consul datacenter used when none is configured.
	DefaultDatacenter = "dc1"

	// DefaultSerflanNodePort is the node port used for serf LAN gossip when
	// exposure is enabled and no port is configured.
	DefaultSerflanNodePort int32 = 30401

	// DefaultReplicas is the default number of Consul server members.
	DefaultReplicas int32 = 3

	// DefaultStorageSize is the default size of the Consul data volume.
	DefaultStorageSize = "10Gi"

	// NodePortMin and NodePortMax bound the Kubernetes node port range.
	NodePortMin int32 = 30000
	NodePortMax int32 = 32767
)

// Desired is the validated desired configuration for one reconcile pass.
// It is immutable once resolved.
type Desired struct {
	Datacenter         string
	ExposeGossipAndRPC bool
	SerflanNodePort    int32
	Replicas           int32
	StorageSize        string
}

// ConfigError reports an invalid user-supplied configuration value. The
// reconciler surfaces it as a Blocked phase; it is not retried until the
// configuration changes.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %q: %s", e.Field, e.Reason)
}

// Resolve validates and defaults the ConsulServer spec.
func Resolve(spec consulv1alpha1.ConsulServerSpec) (Desired, error) {
	d := Desired{
		Datacenter:         spec.Datacenter,
		ExposeGossipAndRPC: spec.ExposeGossipAndRPCPorts,
		SerflanNodePort:    DefaultSerflanNodePort,
		Replicas:           DefaultReplicas,
		StorageSize:        DefaultStorageSize,
	}

	if d.Datacenter == "" {
		d.Datacenter = DefaultDatacenter
	}
	if strings.TrimSpace(d.Datacenter) == "" {
		return Desired{}, &ConfigError{Field: "datacenter", Reason: "must not be blank"}
	}

	// The node port is validated whenever it is set, even if exposure is
	// currently disabled, so flipping the exposure flag later cannot
	// suddenly surface a stale invalid port.
	if spec.SerflanNodePort != nil {
		port := *spec.SerflanNodePort
		if port < NodePortMin || port > NodePortMax {
			return Desired{}, &ConfigError{
				Field:  "serflanNodePort",
				Reason: fmt.Sprintf("%d outside node port range [%d, %d]", port, NodePortMin, NodePortMax),
			}
		}
		d.SerflanNodePort = port
	}

	if spec.Replicas != nil {
		if *spec.Replicas < 1 {
			return Desired{}, &ConfigError{Field: "replicas", Reason: "must be at least 1"}
		}
		d.Replicas = *spec.Replicas
	}

	// The CRD marker only checks the rough shape of the size string; parse it
	// here so a bad quantity blocks instead of failing deep in the builders.
	if spec.Storage.Size != "" {
		if _, err := resource.ParseQuantity(spec.Storage.Size); err != nil {
			return Desired{}, &ConfigError{
				Field:  "storage.size",
				Reason: fmt.Sprintf("%q is not a valid quantity", spec.Storage.Size),
			}
		}
		d.StorageSize = spec.Storage.Size
	}

	return d, nil
}
