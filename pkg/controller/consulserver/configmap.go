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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/controller/metadata"
	"github.com/clusterops/consul-operator/pkg/serverconfig"
)

const (
	// AppliedHashAnnotation records the fingerprint of the last applied
	// desired state on each managed object. An object whose annotation
	// matches the freshly built fingerprint needs no update.
	AppliedHashAnnotation = "consul.clusterops.io/applied-hash"

	// ConfigHashAnnotation carries the server config fingerprint on the pod
	// template, rolling the StatefulSet when the config file changes.
	ConfigHashAnnotation = "consul.clusterops.io/config-hash"
)

// configMapName returns the name of the ConfigMap holding the rendered
// server configuration.
func configMapName(serverName string) string {
	return serverName + "-server-config"
}

// BuildConfigMap wraps the rendered server configuration file in a ConfigMap
// mounted into every server pod.
func BuildConfigMap(
	server *consulv1alpha1.ConsulServer,
	rendered []byte,
	scheme *runtime.Scheme,
) (*corev1.ConfigMap, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(server.Name),
			Namespace: server.Namespace,
			Labels:    metadata.BuildStandardLabels(server.Name, ComponentName),
		},
		Data: map[string]string{
			serverconfig.FileName: string(rendered),
		},
	}

	if err := ctrl.SetControllerReference(server, cm, scheme); err != nil {
		return nil, fmt.Errorf("failed to set controller reference: %w", err)
	}

	return cm, nil
}

// fingerprint hashes an arbitrary desired-state value. The reconciler stores
// it in AppliedHashAnnotation and skips applies whose fingerprint is already
// in place.
func fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint desired state: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
