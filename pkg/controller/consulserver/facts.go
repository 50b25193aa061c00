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
	"context"
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/config"
	"github.com/clusterops/consul-operator/pkg/controller/metadata"
	"github.com/clusterops/consul-operator/pkg/peers"
	"github.com/clusterops/consul-operator/pkg/serverconfig"
)

// platformFacts is what the platform currently reports about the workload.
// All fields are observations; none of them are written back.
type platformFacts struct {
	// localAddress is the in-cluster gossip endpoint other members join
	// this instance through. Empty host means not yet assignable.
	localAddress peers.Address

	// nodeIPs are the host IPs of nodes currently running server pods,
	// sorted and deduplicated. Only gathered when gossip exposure is on;
	// external agents join through these at the serf node port.
	nodeIPs []string

	// replicas and readyReplicas mirror the StatefulSet status.
	replicas      int32
	readyReplicas int32

	// storageLost is set when a data volume claim reports its backing
	// volume as lost. The cluster cannot safely run without its raft
	// state, so this blocks the instance until an operator intervenes.
	storageLost bool
}

// localAddressAssigned reports whether the platform can already route
// traffic to this instance.
func (f platformFacts) localAddressAssigned() bool {
	return f.localAddress.Host != ""
}

// gatherFacts collects the platform observations one convergence pass needs.
// Read-only: any error here is a read failure, not an apply failure.
func (r *ConsulServerReconciler) gatherFacts(
	ctx context.Context,
	server *consulv1alpha1.ConsulServer,
	desired config.Desired,
) (platformFacts, error) {
	facts := platformFacts{}

	// The access service gives every instance a stable DNS name as soon
	// as the namespace is known, so the local address does not depend on
	// pod scheduling.
	if server.Namespace != "" {
		facts.localAddress = peers.Address{
			Host:       fmt.Sprintf("%s.%s.svc", server.Name, server.Namespace),
			GossipPort: serverconfig.PortsFor(desired).SerfLAN,
		}
	}

	sts := &appsv1.StatefulSet{}
	err := r.Get(ctx, client.ObjectKey{Namespace: server.Namespace, Name: server.Name}, sts)
	if err != nil {
		if !errors.IsNotFound(err) {
			return platformFacts{}, fmt.Errorf("failed to get StatefulSet: %w", err)
		}
	} else {
		facts.replicas = sts.Status.Replicas
		facts.readyReplicas = sts.Status.ReadyReplicas
	}

	labels := metadata.BuildStandardLabels(server.Name, ComponentName)

	pvcs := &corev1.PersistentVolumeClaimList{}
	err = r.List(ctx, pvcs,
		client.InNamespace(server.Namespace),
		client.MatchingLabels{metadata.LabelAppInstance: server.Name},
	)
	if err != nil {
		return platformFacts{}, fmt.Errorf("failed to list data volume claims: %w", err)
	}
	for i := range pvcs.Items {
		if pvcs.Items[i].Status.Phase == corev1.ClaimLost {
			facts.storageLost = true
			break
		}
	}

	if desired.ExposeGossipAndRPC {
		pods := &corev1.PodList{}
		err = r.List(ctx, pods,
			client.InNamespace(server.Namespace),
			client.MatchingLabels(labels),
		)
		if err != nil {
			return platformFacts{}, fmt.Errorf("failed to list server pods: %w", err)
		}
		facts.nodeIPs = hostIPsOf(pods)
	}

	return facts, nil
}

// hostIPsOf extracts the sorted, deduplicated host IPs of scheduled pods.
func hostIPsOf(pods *corev1.PodList) []string {
	seen := make(map[string]struct{})
	ips := make([]string, 0, len(pods.Items))
	for i := range pods.Items {
		ip := pods.Items[i].Status.HostIP
		if ip == "" {
			continue
		}
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
