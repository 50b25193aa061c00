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
	"errors"
	"fmt"
	"slices"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/cluster"
	"github.com/clusterops/consul-operator/pkg/config"
	"github.com/clusterops/consul-operator/pkg/monitoring"
	"github.com/clusterops/consul-operator/pkg/peers"
	"github.com/clusterops/consul-operator/pkg/serverconfig"
)

const (
	finalizerName = "consulserver.consul.clusterops.io/finalizer"

	// waitingRequeueDelay is how soon a Waiting instance is rechecked when
	// no watch event would otherwise wake it (e.g. node address assignment).
	waitingRequeueDelay = 10 * time.Second
)

// PlatformApplyError reports a failed write of desired state to the API
// server. It is surfaced as the Error phase and retried with backoff.
type PlatformApplyError struct {
	Resource string
	Err      error
}

func (e *PlatformApplyError) Error() string {
	return fmt.Sprintf("platform apply failed: %s: %v", e.Resource, e.Err)
}

func (e *PlatformApplyError) Unwrap() error {
	return e.Err
}

// convergence is the outcome of one convergence pass: the phase to report,
// the join addresses currently advertised, and whether to requeue or back
// off. err is non-nil only for failures controller-runtime should retry.
type convergence struct {
	phase         consulv1alpha1.Phase
	message       string
	joinAddresses []string
	requeueAfter  time.Duration
	err           error
}

// ConsulServerReconciler reconciles a ConsulServer object.
type ConsulServerReconciler struct {
	client.Client
	Scheme *runtime.Scheme
}

// +kubebuilder:rbac:groups=consul.clusterops.io,resources=consulservers,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=consul.clusterops.io,resources=consulservers/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=consul.clusterops.io,resources=consulservers/finalizers,verbs=update
// +kubebuilder:rbac:groups=apps,resources=statefulsets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=services;configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=pods;persistentvolumeclaims,verbs=get;list;watch

// Reconcile runs one convergence pass for a ConsulServer. Every triggering
// event (spec change, cluster link change, workload status change, periodic
// recheck) takes the same path; idempotence makes that safe.
func (r *ConsulServerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	server := &consulv1alpha1.ConsulServer{}
	if err := r.Get(ctx, req.NamespacedName, server); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("ConsulServer resource not found, ignoring")
			return ctrl.Result{}, nil
		}
		logger.Error(err, "Failed to get ConsulServer")
		return ctrl.Result{}, err
	}

	ctx, span := monitoring.StartReconcileSpan(ctx, "Reconcile", server.Name, server.Namespace, "ConsulServer")
	defer span.End()

	// Handle deletion
	if !server.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, server)
	}

	// Add finalizer if not present
	if !slices.Contains(server.Finalizers, finalizerName) {
		server.Finalizers = append(server.Finalizers, finalizerName)
		if err := r.Update(ctx, server); err != nil {
			logger.Error(err, "Failed to add finalizer")
			return ctrl.Result{}, err
		}
	}

	out, facts := r.converge(ctx, server)
	if out.err != nil {
		monitoring.RecordSpanError(span, out.err)
		logger.Error(out.err, "Convergence pass failed", "phase", out.phase)
	}

	if err := r.updateStatus(ctx, server, out, facts); err != nil {
		monitoring.RecordSpanError(span, err)
		logger.Error(err, "Failed to update status")
		return ctrl.Result{}, err
	}

	return ctrl.Result{RequeueAfter: out.requeueAfter}, out.err
}

// converge is the convergence algorithm: resolve the desired configuration,
// gather platform facts, ingest cluster link records, build the workload
// objects, and apply whatever differs from the last applied state. It never
// applies a partial result: all objects are built before the first write.
func (r *ConsulServerReconciler) converge(
	ctx context.Context,
	server *consulv1alpha1.ConsulServer,
) (convergence, platformFacts) {
	desired, err := config.Resolve(server.Spec)
	if err != nil {
		return convergence{phase: consulv1alpha1.PhaseBlocked, message: err.Error()}, platformFacts{}
	}

	facts, err := r.gatherFacts(ctx, server, desired)
	if err != nil {
		return convergence{
			phase:   consulv1alpha1.PhaseError,
			message: err.Error(),
			err:     err,
		}, platformFacts{}
	}

	if facts.storageLost {
		return convergence{
			phase:   consulv1alpha1.PhaseBlocked,
			message: "persistent storage lost; data volume needs operator attention",
		}, facts
	}

	channel := cluster.NewChannel(r.Client, r.Scheme)
	records, err := channel.Ingest(ctx, server.Namespace, server.Name)
	if err != nil {
		var decodeErr *cluster.DecodeError
		if errors.As(err, &decodeErr) {
			return convergence{phase: consulv1alpha1.PhaseBlocked, message: err.Error()}, facts
		}
		return convergence{
			phase:   consulv1alpha1.PhaseError,
			message: err.Error(),
			err:     err,
		}, facts
	}

	monitoring.SetClusterLinkPeers(server.Name, server.Namespace, len(records))

	// The directory is rebuilt from scratch every pass, so records from
	// links that no longer exist drop out without explicit bookkeeping.
	directory := peers.NewDirectory()
	if facts.localAddressAssigned() {
		directory.RecordLocal(facts.localAddress)
	}
	for relationID, record := range records {
		for _, addr := range record.JoinAddresses {
			directory.RecordRemote(relationID, addr)
		}
	}

	file, err := serverconfig.Build(desired, directory.JoinAddresses())
	if err != nil {
		var buildErr *serverconfig.BuildError
		if errors.As(err, &buildErr) {
			return convergence{
				phase:        consulv1alpha1.PhaseWaiting,
				message:      err.Error(),
				requeueAfter: waitingRequeueDelay,
			}, facts
		}
		return convergence{
			phase:   consulv1alpha1.PhaseError,
			message: err.Error(),
			err:     err,
		}, facts
	}

	if err := r.applyWorkload(ctx, server, desired, file); err != nil {
		return convergence{
			phase:   consulv1alpha1.PhaseError,
			message: err.Error(),
			err:     err,
		}, facts
	}

	advertised, ok := advertisedAddresses(desired, facts)
	if !ok {
		// Exposure is on but no node has reported a host IP yet.
		// The workload is applied; publishing waits for real addresses
		// rather than advertising endpoints nothing can reach.
		return convergence{
			phase:        consulv1alpha1.PhaseWaiting,
			message:      "waiting for node addresses to advertise on the cluster link",
			requeueAfter: waitingRequeueDelay,
		}, facts
	}

	record := cluster.Record{Datacenter: desired.Datacenter, JoinAddresses: advertised}
	if err := channel.PublishSelf(ctx, server, record); err != nil {
		applyErr := &PlatformApplyError{Resource: "cluster link", Err: err}
		return convergence{
			phase:   consulv1alpha1.PhaseError,
			message: applyErr.Error(),
			err:     applyErr,
		}, facts
	}

	joinAddrs := make([]string, 0, len(advertised))
	for _, a := range advertised {
		joinAddrs = append(joinAddrs, a.String())
	}

	return convergence{
		phase:         consulv1alpha1.PhaseActive,
		message:       fmt.Sprintf("serving datacenter %q with %d desired replicas", desired.Datacenter, desired.Replicas),
		joinAddresses: joinAddrs,
	}, facts
}

// advertisedAddresses returns the join addresses this instance publishes on
// the cluster link. Inside the platform that is the stable service DNS name;
// with gossip exposure enabled it is the node host IPs at the serf node
// port, since the service DNS name means nothing outside the cluster.
func advertisedAddresses(desired config.Desired, facts platformFacts) ([]peers.Address, bool) {
	if !desired.ExposeGossipAndRPC {
		return []peers.Address{facts.localAddress}, true
	}
	if len(facts.nodeIPs) == 0 {
		return nil, false
	}
	addrs := make([]peers.Address, 0, len(facts.nodeIPs))
	for _, ip := range facts.nodeIPs {
		addrs = append(addrs, peers.Address{Host: ip, GossipPort: desired.SerflanNodePort})
	}
	return addrs, true
}

// applyWorkload builds every managed object and then applies them. Build
// failures abort before any write so a partial workload is never applied.
func (r *ConsulServerReconciler) applyWorkload(
	ctx context.Context,
	server *consulv1alpha1.ConsulServer,
	desired config.Desired,
	file *serverconfig.File,
) error {
	rendered, err := file.Render()
	if err != nil {
		return err
	}

	configHash, err := fingerprint(rendered)
	if err != nil {
		return err
	}

	cm, err := BuildConfigMap(server, rendered, r.Scheme)
	if err != nil {
		return err
	}
	sts, err := BuildStatefulSet(server, desired, configHash, r.Scheme)
	if err != nil {
		return err
	}
	headless, err := BuildHeadlessService(server, desired, r.Scheme)
	if err != nil {
		return err
	}
	access, err := BuildAccessService(server, desired, r.Scheme)
	if err != nil {
		return err
	}

	if err := r.applyConfigMap(ctx, cm); err != nil {
		return err
	}
	if err := r.applyService(ctx, headless); err != nil {
		return err
	}
	if err := r.applyService(ctx, access); err != nil {
		return err
	}
	if err := r.applyStatefulSet(ctx, sts); err != nil {
		return err
	}

	return nil
}

// applyConfigMap creates or updates the server config ConfigMap. An existing
// object whose applied fingerprint matches is left untouched.
func (r *ConsulServerReconciler) applyConfigMap(ctx context.Context, desired *corev1.ConfigMap) error {
	hash, err := fingerprint(desired.Data)
	if err != nil {
		return err
	}
	setAppliedHash(desired, hash)

	existing := &corev1.ConfigMap{}
	err = r.Get(ctx, client.ObjectKeyFromObject(desired), existing)
	if err != nil {
		if apierrors.IsNotFound(err) {
			if err := r.Create(ctx, desired); err != nil {
				return &PlatformApplyError{Resource: "ConfigMap " + desired.Name, Err: err}
			}
			return nil
		}
		return &PlatformApplyError{Resource: "ConfigMap " + desired.Name, Err: err}
	}

	if existing.Annotations[AppliedHashAnnotation] == hash {
		return nil
	}

	existing.Data = desired.Data
	existing.Labels = desired.Labels
	setAppliedHash(existing, hash)
	if err := r.Update(ctx, existing); err != nil {
		return &PlatformApplyError{Resource: "ConfigMap " + desired.Name, Err: err}
	}

	return nil
}

// applyService creates or updates a Service, preserving fields the platform
// assigns at creation (cluster IP, allocated node ports).
func (r *ConsulServerReconciler) applyService(ctx context.Context, desired *corev1.Service) error {
	hash, err := fingerprint(desired.Spec)
	if err != nil {
		return err
	}
	setAppliedHash(desired, hash)

	existing := &corev1.Service{}
	err = r.Get(ctx, client.ObjectKeyFromObject(desired), existing)
	if err != nil {
		if apierrors.IsNotFound(err) {
			if err := r.Create(ctx, desired); err != nil {
				return &PlatformApplyError{Resource: "Service " + desired.Name, Err: err}
			}
			return nil
		}
		return &PlatformApplyError{Resource: "Service " + desired.Name, Err: err}
	}

	if existing.Annotations[AppliedHashAnnotation] == hash {
		return nil
	}

	// Node ports we do not pin are allocated by the platform at creation;
	// carry them over so an update does not reassign them.
	allocated := make(map[string]int32, len(existing.Spec.Ports))
	for _, p := range existing.Spec.Ports {
		allocated[p.Name] = p.NodePort
	}
	for i := range desired.Spec.Ports {
		if desired.Spec.Ports[i].NodePort == 0 {
			desired.Spec.Ports[i].NodePort = allocated[desired.Spec.Ports[i].Name]
		}
	}

	existing.Spec.Type = desired.Spec.Type
	existing.Spec.Ports = desired.Spec.Ports
	existing.Spec.Selector = desired.Spec.Selector
	existing.Spec.PublishNotReadyAddresses = desired.Spec.PublishNotReadyAddresses
	existing.Labels = desired.Labels
	setAppliedHash(existing, hash)
	if err := r.Update(ctx, existing); err != nil {
		return &PlatformApplyError{Resource: "Service " + desired.Name, Err: err}
	}

	return nil
}

// applyStatefulSet creates or updates the server StatefulSet.
func (r *ConsulServerReconciler) applyStatefulSet(ctx context.Context, desired *appsv1.StatefulSet) error {
	hash, err := fingerprint(desired.Spec)
	if err != nil {
		return err
	}
	setAppliedHash(desired, hash)

	existing := &appsv1.StatefulSet{}
	err = r.Get(ctx, client.ObjectKeyFromObject(desired), existing)
	if err != nil {
		if apierrors.IsNotFound(err) {
			if err := r.Create(ctx, desired); err != nil {
				return &PlatformApplyError{Resource: "StatefulSet " + desired.Name, Err: err}
			}
			return nil
		}
		return &PlatformApplyError{Resource: "StatefulSet " + desired.Name, Err: err}
	}

	if existing.Annotations[AppliedHashAnnotation] == hash {
		return nil
	}

	existing.Spec = desired.Spec
	existing.Labels = desired.Labels
	setAppliedHash(existing, hash)
	if err := r.Update(ctx, existing); err != nil {
		return &PlatformApplyError{Resource: "StatefulSet " + desired.Name, Err: err}
	}

	return nil
}

func setAppliedHash(obj metav1.Object, hash string) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[AppliedHashAnnotation] = hash
	obj.SetAnnotations(annotations)
}

// handleDeletion handles cleanup when a ConsulServer is being deleted.
// Owned objects are garbage collected through owner references; the cluster
// link record is removed eagerly so related applications see the departure
// without waiting for collection.
func (r *ConsulServerReconciler) handleDeletion(ctx context.Context, server *consulv1alpha1.ConsulServer) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if slices.Contains(server.Finalizers, finalizerName) {
		link := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      cluster.LinkName(server.Name),
				Namespace: server.Namespace,
			},
		}
		if err := r.Delete(ctx, link); err != nil && !apierrors.IsNotFound(err) {
			logger.Error(err, "Failed to delete cluster link")
			return ctrl.Result{}, err
		}

		server.Finalizers = slices.DeleteFunc(server.Finalizers, func(s string) bool {
			return s == finalizerName
		})
		if err := r.Update(ctx, server); err != nil {
			logger.Error(err, "Failed to remove finalizer")
			return ctrl.Result{}, err
		}
	}

	return ctrl.Result{}, nil
}

// updateStatus writes the convergence outcome to the ConsulServer status.
func (r *ConsulServerReconciler) updateStatus(
	ctx context.Context,
	server *consulv1alpha1.ConsulServer,
	out convergence,
	facts platformFacts,
) error {
	server.Status.Phase = out.phase
	server.Status.Message = out.message
	server.Status.JoinAddresses = out.joinAddresses
	server.Status.Replicas = facts.replicas
	server.Status.ReadyReplicas = facts.readyReplicas
	server.Status.ObservedGeneration = server.Generation
	server.Status.Conditions = buildConditions(server, out, facts)

	if err := r.Status().Update(ctx, server); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	monitoring.SetServerInfo(server.Name, server.Namespace, string(out.phase))
	monitoring.SetServerReplicas(server.Name, server.Namespace, facts.replicas, facts.readyReplicas)

	return nil
}

// buildConditions creates status conditions based on the convergence outcome.
func buildConditions(server *consulv1alpha1.ConsulServer, out convergence, facts platformFacts) []metav1.Condition {
	converged := metav1.Condition{
		Type:               "Converged",
		ObservedGeneration: server.Generation,
		LastTransitionTime: metav1.Now(),
		Reason:             string(out.phase),
		Message:            out.message,
	}
	if out.phase == consulv1alpha1.PhaseActive {
		converged.Status = metav1.ConditionTrue
	} else {
		converged.Status = metav1.ConditionFalse
	}

	ready := metav1.Condition{
		Type:               "Ready",
		ObservedGeneration: server.Generation,
		LastTransitionTime: metav1.Now(),
	}
	if facts.readyReplicas == facts.replicas && facts.replicas > 0 {
		ready.Status = metav1.ConditionTrue
		ready.Reason = "AllReplicasReady"
		ready.Message = fmt.Sprintf("All %d replicas are ready", facts.readyReplicas)
	} else {
		ready.Status = metav1.ConditionFalse
		ready.Reason = "NotAllReplicasReady"
		ready.Message = fmt.Sprintf("%d/%d replicas ready", facts.readyReplicas, facts.replicas)
	}

	return []metav1.Condition{converged, ready}
}

// linkConfigMapRequests maps a cluster link ConfigMap event to reconcile
// requests for every ConsulServer in the namespace except the publisher,
// which already converged when it published.
func (r *ConsulServerReconciler) linkConfigMapRequests(ctx context.Context, obj client.Object) []reconcile.Request {
	labels := obj.GetLabels()
	if labels[cluster.LinkLabel] != "true" {
		return nil
	}

	list := &consulv1alpha1.ConsulServerList{}
	if err := r.List(ctx, list, client.InNamespace(obj.GetNamespace())); err != nil {
		return nil
	}

	requests := make([]reconcile.Request, 0, len(list.Items))
	for i := range list.Items {
		if list.Items[i].Name == labels[cluster.InstanceLabel] {
			continue
		}
		requests = append(requests, reconcile.Request{
			NamespacedName: types.NamespacedName{
				Namespace: list.Items[i].Namespace,
				Name:      list.Items[i].Name,
			},
		})
	}

	return requests
}

// SetupWithManager sets up the controller with the Manager. Besides the
// owned objects, it watches all cluster link ConfigMaps so peers re-converge
// when a related application publishes or departs.
func (r *ConsulServerReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&consulv1alpha1.ConsulServer{}).
		Owns(&appsv1.StatefulSet{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.ConfigMap{}).
		Watches(&corev1.ConfigMap{}, handler.EnqueueRequestsFromMapFunc(r.linkConfigMapRequests)).
		Complete(r)
}
