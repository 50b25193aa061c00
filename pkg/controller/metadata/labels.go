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

package metadata

import "maps"

// Standard Kubernetes label keys following kubernetes.io conventions.
//
// See: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
const (
	// LabelAppName is the standard label key for the application name.
	LabelAppName = "app.kubernetes.io/name"

	// LabelAppInstance is the standard label key for the unique instance name.
	LabelAppInstance = "app.kubernetes.io/instance"

	// LabelAppComponent is the standard label key for the component within the
	// application.
	LabelAppComponent = "app.kubernetes.io/component"

	// LabelAppPartOf is the standard label key for the name of a higher level
	// application this one is part of.
	LabelAppPartOf = "app.kubernetes.io/part-of"

	// LabelAppManagedBy is the standard label key for the tool managing the
	// resource.
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
)

const (
	// AppNameConsul is the fixed application name for all managed resources.
	AppNameConsul = "consul"

	// ManagedByOperator identifies the operator managing these resources.
	ManagedByOperator = "consul-operator"
)

// BuildStandardLabels builds the standard Kubernetes labels for a managed
// Consul component. These labels are applied to all resources the operator
// creates and double as the pod selector, so they must stay stable for the
// lifetime of an instance.
func BuildStandardLabels(resourceName, componentName string) map[string]string {
	return map[string]string{
		LabelAppName:      AppNameConsul,
		LabelAppInstance:  resourceName,
		LabelAppComponent: componentName,
		LabelAppPartOf:    AppNameConsul,
		LabelAppManagedBy: ManagedByOperator,
	}
}

// MergeLabels merges custom labels with standard labels.
//
// Note that standard labels take precedence over custom labels to prevent
// users from overriding operator-managed labels.
func MergeLabels(standardLabels, customLabels map[string]string) map[string]string {
	merged := make(map[string]string)
	maps.Copy(merged, customLabels)
	maps.Copy(merged, standardLabels)
	return merged
}
