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

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Phase represents the lifecycle state of a ConsulServer as observed by the
// reconciler.
// +kubebuilder:validation:Enum=Waiting;Blocked;Active;Error
type Phase string

const (
	// PhaseWaiting means the platform has not yet provided everything the
	// workload needs (no pods scheduled, no advertise address assigned).
	// The condition clears on its own; the reconciler just rechecks.
	PhaseWaiting Phase = "Waiting"

	// PhaseBlocked means the user-supplied configuration is invalid or a
	// required platform resource is unavailable. Requires operator action.
	PhaseBlocked Phase = "Blocked"

	// PhaseActive means the workload specification has been applied and the
	// cluster link data published.
	PhaseActive Phase = "Active"

	// PhaseError means an apply call to the API server failed unexpectedly.
	// The next reconcile re-evaluates from scratch.
	PhaseError Phase = "Error"
)

// ============================================================================
// ConsulServer Spec
// ============================================================================

// ConsulServerSpec defines the desired state of ConsulServer.
type ConsulServerSpec struct {
	// Datacenter is the Consul datacenter name for this server cluster.
	// Defaults to "dc1".
	// +optional
	// +kubebuilder:validation:MaxLength=63
	Datacenter string `json:"datacenter,omitempty"`

	// ExposeGossipAndRPCPorts exposes the serf LAN gossip port outside the
	// Kubernetes cluster through a NodePort service so that external agents
	// can join.
	// +optional
	ExposeGossipAndRPCPorts bool `json:"exposeGossipAndRPCPorts,omitempty"`

	// SerflanNodePort is the node port used for serf LAN gossip when
	// ExposeGossipAndRPCPorts is set. Defaults to 30401.
	// +optional
	// +kubebuilder:validation:Minimum=30000
	// +kubebuilder:validation:Maximum=32767
	SerflanNodePort *int32 `json:"serflanNodePort,omitempty"`

	// Replicas is the desired number of Consul server members.
	// +optional
	// +kubebuilder:validation:Minimum=1
	Replicas *int32 `json:"replicas,omitempty"`

	// Image is the Consul container image.
	// +optional
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=512
	Image string `json:"image,omitempty"`

	// Storage configuration for Consul data.
	// +optional
	Storage StorageSpec `json:"storage,omitempty"`

	// Resources defines the compute resource requirements.
	// +optional
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`

	// ServiceAccountName for the server pods.
	// +optional
	ServiceAccountName string `json:"serviceAccountName,omitempty"`

	// ImagePullSecrets for the server pods.
	// +optional
	ImagePullSecrets []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`

	// PodAnnotations are annotations to add to the pods.
	// +optional
	// +kubebuilder:validation:MaxProperties=64
	PodAnnotations map[string]string `json:"podAnnotations,omitempty"`

	// PodLabels are additional labels to add to the pods.
	// +optional
	// +kubebuilder:validation:MaxProperties=64
	PodLabels map[string]string `json:"podLabels,omitempty"`

	// Affinity defines the pod's scheduling constraints.
	// +optional
	Affinity *corev1.Affinity `json:"affinity,omitempty"`

	// Tolerations for the server pods.
	// +optional
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`

	// NodeSelector for the server pods.
	// +optional
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
}

// StorageSpec defines the storage configuration.
type StorageSpec struct {
	// Size of the persistent volume.
	// +kubebuilder:validation:Pattern="^([0-9]+)(.+)$"
	// +kubebuilder:validation:MaxLength=63
	// +optional
	Size string `json:"size,omitempty"`

	// Class is the StorageClass name.
	// +optional
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=63
	Class *string `json:"class,omitempty"`
}

// ============================================================================
// CR Controller Status Specs
// ============================================================================

// ConsulServerStatus defines the observed state of ConsulServer.
type ConsulServerStatus struct {
	// Phase represents the lifecycle state of the server cluster.
	// +optional
	Phase Phase `json:"phase,omitempty"`

	// Message provides details about the current phase.
	// +optional
	Message string `json:"message,omitempty"`

	// JoinAddresses are the addresses other cluster members use to join,
	// as currently advertised on the cluster link.
	// +optional
	JoinAddresses []string `json:"joinAddresses,omitempty"`

	// Conditions represent the latest available observations.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// Replicas is the observed number of server pods.
	// +optional
	Replicas int32 `json:"replicas,omitempty"`

	// ReadyReplicas is the observed number of ready server pods.
	// +optional
	ReadyReplicas int32 `json:"readyReplicas,omitempty"`

	// ObservedGeneration is the generation last acted on by the reconciler.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// ============================================================================
// Kind Definition and registration
// ============================================================================

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Ready",type="integer",JSONPath=".status.readyReplicas"
// +kubebuilder:printcolumn:name="Datacenter",type="string",JSONPath=".spec.datacenter"

// ConsulServer is the Schema for the consulservers API
type ConsulServer struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ConsulServerSpec   `json:"spec,omitempty"`
	Status ConsulServerStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ConsulServerList contains a list of ConsulServer
type ConsulServerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ConsulServer `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ConsulServer{}, &ConsulServerList{})
}
