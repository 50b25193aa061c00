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

package consulserver

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/clusterops/consul-operator/pkg/config"
	"github.com/clusterops/consul-operator/pkg/serverconfig"
)

// buildContainerPorts creates the port definitions for the consul container.
// Serf LAN gossip runs over both TCP and UDP; the RPC port is used for
// server-to-server traffic and the HTTP port for the client API.
func buildContainerPorts(desired config.Desired) []corev1.ContainerPort {
	ports := serverconfig.PortsFor(desired)

	return []corev1.ContainerPort{
		{
			Name:          "serf-lan-tcp",
			ContainerPort: ports.SerfLAN,
			Protocol:      corev1.ProtocolTCP,
		},
		{
			Name:          "serf-lan-udp",
			ContainerPort: ports.SerfLAN,
			Protocol:      corev1.ProtocolUDP,
		},
		{
			Name:          "server",
			ContainerPort: ports.Server,
			Protocol:      corev1.ProtocolTCP,
		},
		{
			Name:          "http",
			ContainerPort: ports.HTTP,
			Protocol:      corev1.ProtocolTCP,
		},
	}
}

// buildHeadlessServicePorts creates service ports for the headless service
// backing the StatefulSet's pod DNS records.
func buildHeadlessServicePorts(desired config.Desired) []corev1.ServicePort {
	ports := serverconfig.PortsFor(desired)

	return []corev1.ServicePort{
		{
			Name:       "serf-lan-tcp",
			Port:       ports.SerfLAN,
			TargetPort: intstr.FromString("serf-lan-tcp"),
			Protocol:   corev1.ProtocolTCP,
		},
		{
			Name:       "serf-lan-udp",
			Port:       ports.SerfLAN,
			TargetPort: intstr.FromString("serf-lan-udp"),
			Protocol:   corev1.ProtocolUDP,
		},
		{
			Name:       "server",
			Port:       ports.Server,
			TargetPort: intstr.FromString("server"),
			Protocol:   corev1.ProtocolTCP,
		},
		{
			Name:       "http",
			Port:       ports.HTTP,
			TargetPort: intstr.FromString("http"),
			Protocol:   corev1.ProtocolTCP,
		},
	}
}

// buildAccessServicePorts creates service ports for the access service. When
// gossip exposure is enabled, the serf ports pin their node port so external
// agents have a predictable join endpoint; the HTTP node port stays
// platform-assigned.
func buildAccessServicePorts(desired config.Desired) []corev1.ServicePort {
	ports := serverconfig.PortsFor(desired)

	serfTCP := corev1.ServicePort{
		Name:       "serf-lan-tcp",
		Port:       ports.SerfLAN,
		TargetPort: intstr.FromString("serf-lan-tcp"),
		Protocol:   corev1.ProtocolTCP,
	}
	serfUDP := corev1.ServicePort{
		Name:       "serf-lan-udp",
		Port:       ports.SerfLAN,
		TargetPort: intstr.FromString("serf-lan-udp"),
		Protocol:   corev1.ProtocolUDP,
	}
	if desired.ExposeGossipAndRPC {
		serfTCP.NodePort = desired.SerflanNodePort
		serfUDP.NodePort = desired.SerflanNodePort
	}

	return []corev1.ServicePort{
		serfTCP,
		serfUDP,
		{
			Name:       "http",
			Port:       ports.HTTP,
			TargetPort: intstr.FromString("http"),
			Protocol:   corev1.ProtocolTCP,
		},
	}
}
