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
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/cluster"
	"github.com/clusterops/consul-operator/pkg/controller/metadata"
	"github.com/clusterops/consul-operator/pkg/controller/testutil"
	"github.com/clusterops/consul-operator/pkg/serverconfig"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	_ = consulv1alpha1.AddToScheme(scheme)
	_ = appsv1.AddToScheme(scheme)
	_ = corev1.AddToScheme(scheme)
	return scheme
}

// remoteLinkConfigMap builds a valid cluster link record published by
// another application.
func remoteLinkConfigMap(instance, datacenter string, addrs []string) *corev1.ConfigMap {
	encoded, _ := json.Marshal(addrs)
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.LinkName(instance),
			Namespace: "default",
			Labels: map[string]string{
				cluster.LinkLabel:     "true",
				cluster.InstanceLabel: instance,
			},
		},
		Data: map[string]string{
			"datacenter":            datacenter,
			"server_join_addresses": string(encoded),
		},
	}
}

func getServer(t *testing.T, c client.Client, name string) *consulv1alpha1.ConsulServer {
	t.Helper()
	server := &consulv1alpha1.ConsulServer{}
	err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "default"}, server)
	if err != nil {
		t.Fatalf("Failed to get ConsulServer %s: %v", name, err)
	}
	return server
}

// renderedRetryJoin reads the retry_join list out of the applied server
// config ConfigMap.
func renderedRetryJoin(t *testing.T, c client.Client, serverName string) []string {
	t.Helper()
	cm := &corev1.ConfigMap{}
	err := c.Get(context.Background(), types.NamespacedName{
		Name:      serverName + "-server-config",
		Namespace: "default",
	}, cm)
	if err != nil {
		t.Fatalf("Failed to get server config ConfigMap: %v", err)
	}

	var file struct {
		RetryJoin []string `json:"retry_join"`
	}
	if err := json.Unmarshal([]byte(cm.Data[serverconfig.FileName]), &file); err != nil {
		t.Fatalf("Failed to decode server config: %v", err)
	}
	return file.RetryJoin
}

func TestConsulServerReconciler_Reconcile(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		server          *consulv1alpha1.ConsulServer
		existingObjects []client.Object
		failureConfig   *testutil.FailureConfig
		wantErr         bool
		wantRequeue     time.Duration
		assertFunc      func(t *testing.T, c client.Client)
	}{
		"create all resources for new ConsulServer": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "test-server",
					Namespace: "default",
				},
			},
			assertFunc: func(t *testing.T, c client.Client) {
				sts := &appsv1.StatefulSet{}
				err := c.Get(context.Background(), types.NamespacedName{Name: "test-server", Namespace: "default"}, sts)
				if err != nil {
					t.Fatalf("StatefulSet should exist: %v", err)
				}
				if *sts.Spec.Replicas != 3 {
					t.Errorf("replicas = %d, want default 3", *sts.Spec.Replicas)
				}
				if sts.Labels["app.kubernetes.io/component"] != ComponentName {
					t.Errorf("component label = %q, want %q", sts.Labels["app.kubernetes.io/component"], ComponentName)
				}

				for _, name := range []string{"test-server-headless", "test-server"} {
					svc := &corev1.Service{}
					if err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "default"}, svc); err != nil {
						t.Errorf("Service %s should exist: %v", name, err)
					}
				}

				join := renderedRetryJoin(t, c, "test-server")
				want := []string{"test-server.default.svc:8301"}
				if diff := cmp.Diff(want, join); diff != "" {
					t.Errorf("retry_join mismatch (-want +got):\n%s", diff)
				}

				link := &corev1.ConfigMap{}
				err = c.Get(context.Background(), types.NamespacedName{Name: "test-server-cluster", Namespace: "default"}, link)
				if err != nil {
					t.Fatalf("cluster link ConfigMap should exist: %v", err)
				}
				if link.Data["datacenter"] != "dc1" {
					t.Errorf("published datacenter = %q, want dc1", link.Data["datacenter"])
				}
				if link.Data["server_join_addresses"] != `["test-server.default.svc:8301"]` {
					t.Errorf("published addresses = %q", link.Data["server_join_addresses"])
				}

				server := getServer(t, c, "test-server")
				if server.Status.Phase != consulv1alpha1.PhaseActive {
					t.Errorf("phase = %q, want Active: %s", server.Status.Phase, server.Status.Message)
				}
				if !slices.Contains(server.Finalizers, finalizerName) {
					t.Errorf("finalizer %s should be present", finalizerName)
				}
			},
		},
		"invalid node port blocks without applying": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "bad-port",
					Namespace: "default",
				},
				Spec: consulv1alpha1.ConsulServerSpec{
					SerflanNodePort: int32Ptr(29999),
				},
			},
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "bad-port")
				if server.Status.Phase != consulv1alpha1.PhaseBlocked {
					t.Errorf("phase = %q, want Blocked", server.Status.Phase)
				}

				sts := &appsv1.StatefulSet{}
				err := c.Get(context.Background(), types.NamespacedName{Name: "bad-port", Namespace: "default"}, sts)
				if err == nil {
					t.Error("no StatefulSet should be applied while Blocked")
				}
			},
		},
		"invalid storage size blocks without applying": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "bad-storage",
					Namespace: "default",
				},
				Spec: consulv1alpha1.ConsulServerSpec{
					Storage: consulv1alpha1.StorageSpec{Size: "10wat"},
				},
			},
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "bad-storage")
				if server.Status.Phase != consulv1alpha1.PhaseBlocked {
					t.Errorf("phase = %q, want Blocked: %s", server.Status.Phase, server.Status.Message)
				}

				sts := &appsv1.StatefulSet{}
				err := c.Get(context.Background(), types.NamespacedName{Name: "bad-storage", Namespace: "default"}, sts)
				if err == nil {
					t.Error("no StatefulSet should be applied while Blocked")
				}
			},
		},
		"malformed cluster link record blocks": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "with-bad-peer",
					Namespace: "default",
				},
			},
			existingObjects: []client.Object{
				&corev1.ConfigMap{
					ObjectMeta: metav1.ObjectMeta{
						Name:      "remote-cluster",
						Namespace: "default",
						Labels: map[string]string{
							cluster.LinkLabel:     "true",
							cluster.InstanceLabel: "remote",
						},
					},
					Data: map[string]string{
						"server_join_addresses": `["10.1.2.3:8301"]`,
					},
				},
			},
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "with-bad-peer")
				if server.Status.Phase != consulv1alpha1.PhaseBlocked {
					t.Errorf("phase = %q, want Blocked: %s", server.Status.Phase, server.Status.Message)
				}

				sts := &appsv1.StatefulSet{}
				err := c.Get(context.Background(), types.NamespacedName{Name: "with-bad-peer", Namespace: "default"}, sts)
				if err == nil {
					t.Error("no StatefulSet should be applied while Blocked")
				}
			},
		},
		"lost storage blocks": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "lost-data",
					Namespace: "default",
				},
			},
			existingObjects: []client.Object{
				&corev1.PersistentVolumeClaim{
					ObjectMeta: metav1.ObjectMeta{
						Name:      "data-lost-data-0",
						Namespace: "default",
						Labels:    metadata.BuildStandardLabels("lost-data", ComponentName),
					},
					Status: corev1.PersistentVolumeClaimStatus{Phase: corev1.ClaimLost},
				},
			},
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "lost-data")
				if server.Status.Phase != consulv1alpha1.PhaseBlocked {
					t.Errorf("phase = %q, want Blocked: %s", server.Status.Phase, server.Status.Message)
				}
			},
		},
		"remote link peers included in server config": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "joined",
					Namespace: "default",
				},
			},
			existingObjects: []client.Object{
				remoteLinkConfigMap("remote", "dc1", []string{"10.1.2.3:8301"}),
			},
			assertFunc: func(t *testing.T, c client.Client) {
				join := renderedRetryJoin(t, c, "joined")
				// Local first, then relation entries.
				want := []string{"joined.default.svc:8301", "10.1.2.3:8301"}
				if diff := cmp.Diff(want, join); diff != "" {
					t.Errorf("retry_join mismatch (-want +got):\n%s", diff)
				}

				server := getServer(t, c, "joined")
				if server.Status.Phase != consulv1alpha1.PhaseActive {
					t.Errorf("phase = %q, want Active: %s", server.Status.Phase, server.Status.Message)
				}
			},
		},
		"exposed with scheduled pods publishes node addresses": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "exposed",
					Namespace: "default",
				},
				Spec: consulv1alpha1.ConsulServerSpec{
					ExposeGossipAndRPCPorts: true,
				},
			},
			existingObjects: []client.Object{
				&corev1.Pod{
					ObjectMeta: metav1.ObjectMeta{
						Name:      "exposed-0",
						Namespace: "default",
						Labels:    metadata.BuildStandardLabels("exposed", ComponentName),
					},
					Status: corev1.PodStatus{HostIP: "10.0.0.7"},
				},
				&corev1.Pod{
					ObjectMeta: metav1.ObjectMeta{
						Name:      "exposed-1",
						Namespace: "default",
						Labels:    metadata.BuildStandardLabels("exposed", ComponentName),
					},
					Status: corev1.PodStatus{HostIP: "10.0.0.3"},
				},
			},
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "exposed")
				if server.Status.Phase != consulv1alpha1.PhaseActive {
					t.Errorf("phase = %q, want Active: %s", server.Status.Phase, server.Status.Message)
				}
				wantJoin := []string{"10.0.0.3:30401", "10.0.0.7:30401"}
				if diff := cmp.Diff(wantJoin, server.Status.JoinAddresses); diff != "" {
					t.Errorf("status join addresses mismatch (-want +got):\n%s", diff)
				}

				svc := &corev1.Service{}
				if err := c.Get(context.Background(), types.NamespacedName{Name: "exposed", Namespace: "default"}, svc); err != nil {
					t.Fatalf("access Service should exist: %v", err)
				}
				if svc.Spec.Type != corev1.ServiceTypeNodePort {
					t.Errorf("access service type = %q, want NodePort", svc.Spec.Type)
				}

				link := &corev1.ConfigMap{}
				if err := c.Get(context.Background(), types.NamespacedName{Name: "exposed-cluster", Namespace: "default"}, link); err != nil {
					t.Fatalf("cluster link should exist: %v", err)
				}
				if link.Data["server_join_addresses"] != `["10.0.0.3:30401","10.0.0.7:30401"]` {
					t.Errorf("published addresses = %q", link.Data["server_join_addresses"])
				}
			},
		},
		"exposed before pods scheduled defers publishing": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "pending",
					Namespace: "default",
				},
				Spec: consulv1alpha1.ConsulServerSpec{
					ExposeGossipAndRPCPorts: true,
				},
			},
			wantRequeue: waitingRequeueDelay,
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "pending")
				if server.Status.Phase != consulv1alpha1.PhaseWaiting {
					t.Errorf("phase = %q, want Waiting: %s", server.Status.Phase, server.Status.Message)
				}

				// The workload is applied even while publishing waits.
				sts := &appsv1.StatefulSet{}
				if err := c.Get(context.Background(), types.NamespacedName{Name: "pending", Namespace: "default"}, sts); err != nil {
					t.Errorf("StatefulSet should exist: %v", err)
				}

				link := &corev1.ConfigMap{}
				err := c.Get(context.Background(), types.NamespacedName{Name: "pending-cluster", Namespace: "default"}, link)
				if err == nil {
					t.Error("cluster link must not be published before node addresses exist")
				}
			},
		},
		"error on StatefulSet create": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "test-server",
					Namespace: "default",
				},
			},
			failureConfig: &testutil.FailureConfig{
				OnCreate: func(obj client.Object) error {
					if _, ok := obj.(*appsv1.StatefulSet); ok {
						return testutil.ErrPermissionError
					}
					return nil
				},
			},
			wantErr: true,
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "test-server")
				if server.Status.Phase != consulv1alpha1.PhaseError {
					t.Errorf("phase = %q, want Error", server.Status.Phase)
				}
			},
		},
		"error on cluster link create": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "test-server",
					Namespace: "default",
				},
			},
			failureConfig: &testutil.FailureConfig{
				OnCreate: testutil.FailOnObjectName("test-server-cluster", testutil.ErrInjected),
			},
			wantErr: true,
			assertFunc: func(t *testing.T, c client.Client) {
				server := getServer(t, c, "test-server")
				if server.Status.Phase != consulv1alpha1.PhaseError {
					t.Errorf("phase = %q, want Error", server.Status.Phase)
				}
			},
		},
		"error on Get ConsulServer": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "test-server",
					Namespace: "default",
				},
			},
			failureConfig: &testutil.FailureConfig{
				OnGet: testutil.FailOnKeyName("test-server", testutil.ErrNetworkTimeout),
			},
			wantErr: true,
		},
		"error on finalizer Update": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "test-server",
					Namespace: "default",
				},
			},
			failureConfig: &testutil.FailureConfig{
				OnUpdate: testutil.FailOnObjectName("test-server", testutil.ErrInjected),
			},
			wantErr: true,
		},
		"error on status update": {
			server: &consulv1alpha1.ConsulServer{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "test-server",
					Namespace: "default",
				},
			},
			failureConfig: &testutil.FailureConfig{
				OnStatusUpdate: testutil.FailOnObjectName("test-server", testutil.ErrInjected),
			},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			scheme := newTestScheme(t)
			baseClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(tc.existingObjects...).
				WithStatusSubresource(&consulv1alpha1.ConsulServer{}).
				Build()

			fakeClient := client.Client(baseClient)
			if tc.failureConfig != nil {
				fakeClient = testutil.NewFakeClientWithFailures(baseClient, tc.failureConfig)
			}

			reconciler := &ConsulServerReconciler{
				Client: fakeClient,
				Scheme: scheme,
			}

			if err := baseClient.Create(context.Background(), tc.server); err != nil {
				t.Fatalf("Failed to create ConsulServer: %v", err)
			}

			req := ctrl.Request{
				NamespacedName: types.NamespacedName{
					Name:      tc.server.Name,
					Namespace: tc.server.Namespace,
				},
			}

			result, err := reconciler.Reconcile(context.Background(), req)
			if (err != nil) != tc.wantErr {
				t.Errorf("Reconcile() error = %v, wantErr %v", err, tc.wantErr)
				return
			}

			if !tc.wantErr && result.RequeueAfter != tc.wantRequeue {
				t.Errorf("Reconcile() RequeueAfter = %v, want %v", result.RequeueAfter, tc.wantRequeue)
			}

			if tc.assertFunc != nil {
				tc.assertFunc(t, baseClient)
			}
		})
	}
}

func TestConsulServerReconciler_ReconcileNotFound(t *testing.T) {
	scheme := newTestScheme(t)
	fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()

	reconciler := &ConsulServerReconciler{Client: fakeClient, Scheme: scheme}

	result, err := reconciler.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "nonexistent", Namespace: "default"},
	})
	if err != nil {
		t.Errorf("Reconcile() should not error on NotFound, got: %v", err)
	}
	if result.RequeueAfter != 0 {
		t.Errorf("Reconcile() should not requeue on NotFound")
	}
}

// TestConsulServerReconciler_Idempotence verifies that a second convergence
// pass with unchanged inputs performs no writes to the managed objects.
func TestConsulServerReconciler_Idempotence(t *testing.T) {
	scheme := newTestScheme(t)
	baseClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&consulv1alpha1.ConsulServer{}).
		Build()

	server := &consulv1alpha1.ConsulServer{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "steady",
			Namespace: "default",
		},
	}
	if err := baseClient.Create(context.Background(), server); err != nil {
		t.Fatalf("Failed to create ConsulServer: %v", err)
	}

	req := ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "steady", Namespace: "default"},
	}

	first := &ConsulServerReconciler{Client: baseClient, Scheme: scheme}
	if _, err := first.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}

	var creates, updates int
	counting := testutil.NewFakeClientWithFailures(baseClient, &testutil.FailureConfig{
		OnCreate: func(client.Object) error {
			creates++
			return nil
		},
		OnUpdate: func(client.Object) error {
			updates++
			return nil
		},
	})

	second := &ConsulServerReconciler{Client: counting, Scheme: scheme}
	result, err := second.Reconcile(context.Background(), req)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if result.RequeueAfter != 0 {
		t.Errorf("second Reconcile() RequeueAfter = %v, want 0", result.RequeueAfter)
	}

	if creates != 0 {
		t.Errorf("second reconcile issued %d Create calls, want 0", creates)
	}
	if updates != 0 {
		t.Errorf("second reconcile issued %d Update calls, want 0", updates)
	}

	got := getServer(t, baseClient, "steady")
	if got.Status.Phase != consulv1alpha1.PhaseActive {
		t.Errorf("phase after second reconcile = %q, want Active", got.Status.Phase)
	}
}

// TestConsulServerReconciler_ErrorIsNotSticky verifies that a transient
// apply failure is retried from scratch on the next pass.
func TestConsulServerReconciler_ErrorIsNotSticky(t *testing.T) {
	scheme := newTestScheme(t)
	baseClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&consulv1alpha1.ConsulServer{}).
		Build()

	server := &consulv1alpha1.ConsulServer{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "flaky",
			Namespace: "default",
		},
	}
	if err := baseClient.Create(context.Background(), server); err != nil {
		t.Fatalf("Failed to create ConsulServer: %v", err)
	}

	req := ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "flaky", Namespace: "default"},
	}

	failing := testutil.NewFakeClientWithFailures(baseClient, &testutil.FailureConfig{
		OnCreate: func(obj client.Object) error {
			if _, ok := obj.(*appsv1.StatefulSet); ok {
				return testutil.ErrNetworkTimeout
			}
			return nil
		},
	})

	r := &ConsulServerReconciler{Client: failing, Scheme: scheme}
	if _, err := r.Reconcile(context.Background(), req); err == nil {
		t.Fatal("first Reconcile() should fail on StatefulSet create")
	}

	got := getServer(t, baseClient, "flaky")
	if got.Status.Phase != consulv1alpha1.PhaseError {
		t.Fatalf("phase = %q, want Error", got.Status.Phase)
	}

	// Next pass with the failure gone converges normally.
	recovered := &ConsulServerReconciler{Client: baseClient, Scheme: scheme}
	if _, err := recovered.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("recovery Reconcile() error = %v", err)
	}

	got = getServer(t, baseClient, "flaky")
	if got.Status.Phase != consulv1alpha1.PhaseActive {
		t.Errorf("phase after recovery = %q, want Active: %s", got.Status.Phase, got.Status.Message)
	}
}

// TestApplyServicePreservesAllocatedNodePorts verifies that updating a
// service does not reset node ports the platform allocated for ports the
// operator leaves unpinned.
func TestApplyServicePreservesAllocatedNodePorts(t *testing.T) {
	scheme := newTestScheme(t)

	existing := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "svc",
			Namespace:   "default",
			Annotations: map[string]string{AppliedHashAnnotation: "stale"},
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeNodePort,
			Ports: []corev1.ServicePort{
				{Name: "serf-lan-tcp", Port: 8301, NodePort: 30401},
				{Name: "http", Port: 8500, NodePort: 31234},
			},
		},
	}

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(existing).
		Build()

	r := &ConsulServerReconciler{Client: fakeClient, Scheme: scheme}

	desired := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "svc",
			Namespace: "default",
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeNodePort,
			Ports: []corev1.ServicePort{
				{Name: "serf-lan-tcp", Port: 8301, NodePort: 30555},
				{Name: "http", Port: 8500},
			},
		},
	}

	if err := r.applyService(context.Background(), desired); err != nil {
		t.Fatalf("applyService() error = %v", err)
	}

	got := &corev1.Service{}
	if err := fakeClient.Get(context.Background(), types.NamespacedName{Name: "svc", Namespace: "default"}, got); err != nil {
		t.Fatalf("Failed to get Service: %v", err)
	}

	ports := map[string]corev1.ServicePort{}
	for _, p := range got.Spec.Ports {
		ports[p.Name] = p
	}
	if ports["serf-lan-tcp"].NodePort != 30555 {
		t.Errorf("pinned serf node port = %d, want 30555", ports["serf-lan-tcp"].NodePort)
	}
	if ports["http"].NodePort != 31234 {
		t.Errorf("allocated http node port = %d, want preserved 31234", ports["http"].NodePort)
	}
}

// TestConsulServerReconciler_Deletion verifies that deleting a ConsulServer
// removes the cluster link record and the finalizer.
func TestConsulServerReconciler_Deletion(t *testing.T) {
	scheme := newTestScheme(t)

	server := &consulv1alpha1.ConsulServer{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "leaving",
			Namespace:         "default",
			DeletionTimestamp: &metav1.Time{Time: time.Now()},
			Finalizers:        []string{finalizerName},
		},
	}
	link := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "leaving-cluster",
			Namespace: "default",
			Labels: map[string]string{
				cluster.LinkLabel:     "true",
				cluster.InstanceLabel: "leaving",
			},
		},
	}

	baseClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(server, link).
		WithStatusSubresource(&consulv1alpha1.ConsulServer{}).
		Build()

	reconciler := &ConsulServerReconciler{Client: baseClient, Scheme: scheme}

	_, err := reconciler.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "leaving", Namespace: "default"},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	gone := &corev1.ConfigMap{}
	err = baseClient.Get(context.Background(), types.NamespacedName{Name: "leaving-cluster", Namespace: "default"}, gone)
	if err == nil {
		t.Error("cluster link ConfigMap should be deleted on departure")
	}

	// Removing the last finalizer lets the object finish deleting.
	remaining := &consulv1alpha1.ConsulServer{}
	err = baseClient.Get(context.Background(), types.NamespacedName{Name: "leaving", Namespace: "default"}, remaining)
	if err == nil && slices.Contains(remaining.Finalizers, finalizerName) {
		t.Error("finalizer should have been removed")
	}
}
