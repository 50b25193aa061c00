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

// Package consulserver implements the controller for the ConsulServer
// custom resource.
//
// Every triggering event (resource change, owned-object change, cluster link
// change, periodic requeue) runs the same convergence pass: resolve the
// user configuration, gather platform facts, fold cluster link records into
// the peer directory, build the workload specification, apply it if and only
// if it differs from what was last applied, then publish this instance's
// join addresses on the cluster link. The resulting lifecycle phase
// (Waiting, Blocked, Active, Error) is written to the resource status.
package consulserver
