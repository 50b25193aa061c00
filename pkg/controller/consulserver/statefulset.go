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

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/config"
	"github.com/clusterops/consul-operator/pkg/controller/metadata"
	"github.com/clusterops/consul-operator/pkg/controller/storage"
	"github.com/clusterops/consul-operator/pkg/serverconfig"
)

const (
	// ComponentName is the component label value for server resources
	ComponentName = "server"

	// DefaultImage is the default Consul container image
	DefaultImage = "hashicorp/consul:1.19.2"

	// DataVolumeName is the name of the data volume
	DataVolumeName = "data"

	// ConfigVolumeName is the name of the server config volume
	ConfigVolumeName = "config"
)

// BuildStatefulSet creates a StatefulSet for the Consul server cluster.
// Returns a deterministic StatefulSet based on the resolved configuration.
// configHash fingerprints the rendered server config; stamping it on the pod
// template rolls the pods when, and only when, the config file changes.
func BuildStatefulSet(
	server *consulv1alpha1.ConsulServer,
	desired config.Desired,
	configHash string,
	scheme *runtime.Scheme,
) (*appsv1.StatefulSet, error) {
	replicas := desired.Replicas

	image := DefaultImage
	if server.Spec.Image != "" {
		image = server.Spec.Image
	}

	headlessServiceName := server.Name + "-headless"
	labels := metadata.BuildStandardLabels(server.Name, ComponentName)
	podLabels := metadata.MergeLabels(labels, server.Spec.PodLabels)

	podAnnotations := map[string]string{
		ConfigHashAnnotation: configHash,
	}
	for k, v := range server.Spec.PodAnnotations {
		if k == ConfigHashAnnotation {
			continue
		}
		podAnnotations[k] = v
	}

	sts := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      server.Name,
			Namespace: server.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.StatefulSetSpec{
			ServiceName: headlessServiceName,
			Replicas:    &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: labels,
			},
			PodManagementPolicy: appsv1.ParallelPodManagement,
			UpdateStrategy: appsv1.StatefulSetUpdateStrategy{
				Type: appsv1.RollingUpdateStatefulSetStrategyType,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      podLabels,
					Annotations: podAnnotations,
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: server.Spec.ServiceAccountName,
					ImagePullSecrets:   server.Spec.ImagePullSecrets,
					Containers: []corev1.Container{
						{
							Name:      "consul",
							Image:     image,
							Resources: server.Spec.Resources,
							Command: []string{
								"consul",
								"agent",
								"-config-file=" + serverconfig.ConfigDir + "/" + serverconfig.FileName,
							},
							Ports: buildContainerPorts(desired),
							VolumeMounts: []corev1.VolumeMount{
								{
									Name:      DataVolumeName,
									MountPath: serverconfig.DataDir,
								},
								{
									Name:      ConfigVolumeName,
									MountPath: serverconfig.ConfigDir,
									ReadOnly:  true,
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: ConfigVolumeName,
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{
										Name: configMapName(server.Name),
									},
								},
							},
						},
					},
					Affinity:     server.Spec.Affinity,
					Tolerations:  server.Spec.Tolerations,
					NodeSelector: server.Spec.NodeSelector,
				},
			},
			VolumeClaimTemplates: buildVolumeClaimTemplates(server, desired),
		},
	}

	if err := ctrl.SetControllerReference(server, sts, scheme); err != nil {
		return nil, fmt.Errorf("failed to set controller reference: %w", err)
	}

	return sts, nil
}

// buildVolumeClaimTemplates creates the PVC templates for Consul data storage.
// The size comes from the resolved configuration, which has already validated
// it as a parseable quantity.
func buildVolumeClaimTemplates(server *consulv1alpha1.ConsulServer, desired config.Desired) []corev1.PersistentVolumeClaim {
	return []corev1.PersistentVolumeClaim{
		storage.BuildPVCTemplate(DataVolumeName, server.Spec.Storage.Class, desired.StorageSize),
	}
}
