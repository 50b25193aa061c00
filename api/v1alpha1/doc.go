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

// Package v1alpha1 defines the API types for the Consul Operator.
//
// This package contains the Go type definitions for the Custom Resources in
// the consul.clusterops.io API group. These types are used by kubebuilder to
// generate:
//   - CustomResourceDefinitions (CRDs)
//   - DeepCopy methods
//   - Client code
//
// # Custom Resources
//
//   - ConsulServer: one managed Consul server cluster. The operator turns a
//     ConsulServer into a StatefulSet running the Consul agent in server
//     mode, the Services that make gossip and HTTP reachable, and the
//     ConfigMap holding the rendered server configuration file.
//
// # Versioning
//
// This is the v1alpha1 version, indicating the API is in early development
// and may change in backward-incompatible ways.
package v1alpha1
