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
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/config"
	"github.com/clusterops/consul-operator/pkg/controller/metadata"
)

// BuildHeadlessService creates a headless Service for the server StatefulSet.
// Headless services are required for StatefulSet pod DNS records.
func BuildHeadlessService(
	server *consulv1alpha1.ConsulServer,
	desired config.Desired,
	scheme *runtime.Scheme,
) (*corev1.Service, error) {
	labels := metadata.BuildStandardLabels(server.Name, ComponentName)

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      server.Name + "-headless",
			Namespace: server.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			ClusterIP:                corev1.ClusterIPNone,
			Selector:                 labels,
			Ports:                    buildHeadlessServicePorts(desired),
			PublishNotReadyAddresses: true,
		},
	}

	if err := ctrl.SetControllerReference(server, svc, scheme); err != nil {
		return nil, fmt.Errorf("failed to set controller reference: %w", err)
	}

	return svc, nil
}

// BuildAccessService creates the Service through which clients and other
// cluster members reach the servers. It is a plain ClusterIP service unless
// gossip exposure is enabled, in which case it becomes a NodePort service so
// agents outside the platform can join.
func BuildAccessService(
	server *consulv1alpha1.ConsulServer,
	desired config.Desired,
	scheme *runtime.Scheme,
) (*corev1.Service, error) {
	labels := metadata.BuildStandardLabels(server.Name, ComponentName)

	serviceType := corev1.ServiceTypeClusterIP
	if desired.ExposeGossipAndRPC {
		serviceType = corev1.ServiceTypeNodePort
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      server.Name,
			Namespace: server.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     serviceType,
			Selector: labels,
			Ports:    buildAccessServicePorts(desired),
		},
	}

	if err := ctrl.SetControllerReference(server, svc, scheme); err != nil {
		return nil, fmt.Errorf("failed to set controller reference: %w", err)
	}

	return svc, nil
}
