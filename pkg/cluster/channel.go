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

// Package cluster implements the consul-cluster link: the key/value exchange
// through which collaborating applications learn each other's join addresses.
//
// Each ConsulServer publishes one link ConfigMap carrying its datacenter and
// the addresses other members can join through. Ingest reads every link
// ConfigMap visible in the namespace and decodes it strictly: a missing or
// malformed field is a DecodeError, never an empty string. A link ConfigMap
// that disappears is a departed relation; the publisher's owner reference
// removes this instance's own record when the ConsulServer is deleted.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	consulv1alpha1 "github.com/clusterops/consul-operator/api/v1alpha1"
	"github.com/clusterops/consul-operator/pkg/peers"
)

const (
	// LinkLabel marks a ConfigMap as a consul-cluster link record.
	LinkLabel = "consul.clusterops.io/cluster-link"

	// InstanceLabel names the ConsulServer a link record belongs to.
	InstanceLabel = "consul.clusterops.io/instance"

	// Databag keys, kept wire-compatible with the consul-cluster interface.
	datacenterKey    = "datacenter"
	joinAddressesKey = "server_join_addresses"
)

// Record is the data one application advertises on the cluster link.
type Record struct {
	// Datacenter is the advertising cluster's datacenter name.
	Datacenter string

	// JoinAddresses are the gossip endpoints other members join through.
	JoinAddresses []peers.Address
}

// DecodeError reports a malformed remote link record. The reconciler treats
// it like invalid configuration: Blocked until the remote side republishes.
type DecodeError struct {
	RelationID string
	Reason     string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed cluster link record %q: %s", e.RelationID, e.Reason)
}

// Channel publishes and ingests cluster link records for one namespace.
type Channel struct {
	client client.Client
	scheme *runtime.Scheme
}

// NewChannel returns a Channel backed by the given client.
func NewChannel(c client.Client, scheme *runtime.Scheme) *Channel {
	return &Channel{client: c, scheme: scheme}
}

// LinkName returns the name of the link ConfigMap a ConsulServer publishes.
func LinkName(serverName string) string {
	return serverName + "-cluster"
}

// PublishSelf writes this instance's record to its link ConfigMap,
// overwriting any previously published record. Callers must only publish
// addresses the platform has confirmed as bound.
func (ch *Channel) PublishSelf(ctx context.Context, server *consulv1alpha1.ConsulServer, rec Record) error {
	desired, err := buildLinkConfigMap(server, rec, ch.scheme)
	if err != nil {
		return err
	}

	existing := &corev1.ConfigMap{}
	err = ch.client.Get(ctx, client.ObjectKey{Namespace: server.Namespace, Name: desired.Name}, existing)
	if err != nil {
		if errors.IsNotFound(err) {
			if err := ch.client.Create(ctx, desired); err != nil {
				return fmt.Errorf("failed to create cluster link: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to get cluster link: %w", err)
	}

	if maps.Equal(existing.Data, desired.Data) && maps.Equal(existing.Labels, desired.Labels) {
		return nil
	}

	existing.Data = desired.Data
	existing.Labels = desired.Labels
	if err := ch.client.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to update cluster link: %w", err)
	}

	return nil
}

// Ingest reads the currently visible link records from all related
// applications in the namespace, keyed by relation id (the link ConfigMap's
// name). This instance's own record is excluded.
func (ch *Channel) Ingest(ctx context.Context, namespace, selfName string) (map[string]Record, error) {
	list := &corev1.ConfigMapList{}
	err := ch.client.List(ctx, list,
		client.InNamespace(namespace),
		client.MatchingLabels{LinkLabel: "true"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster links: %w", err)
	}

	records := make(map[string]Record)
	for i := range list.Items {
		cm := &list.Items[i]
		if cm.Labels[InstanceLabel] == selfName {
			continue
		}
		rec, err := decodeRecord(cm)
		if err != nil {
			return nil, err
		}
		records[cm.Name] = rec
	}

	return records, nil
}

func buildLinkConfigMap(server *consulv1alpha1.ConsulServer, rec Record, scheme *runtime.Scheme) (*corev1.ConfigMap, error) {
	addrs := make([]string, 0, len(rec.JoinAddresses))
	for _, a := range rec.JoinAddresses {
		addrs = append(addrs, a.String())
	}
	encoded, err := json.Marshal(addrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode join addresses: %w", err)
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      LinkName(server.Name),
			Namespace: server.Namespace,
			Labels: map[string]string{
				LinkLabel:     "true",
				InstanceLabel: server.Name,
			},
		},
		Data: map[string]string{
			datacenterKey:    rec.Datacenter,
			joinAddressesKey: string(encoded),
		},
	}

	if err := ctrl.SetControllerReference(server, cm, scheme); err != nil {
		return nil, fmt.Errorf("failed to set controller reference: %w", err)
	}

	return cm, nil
}

func decodeRecord(cm *corev1.ConfigMap) (Record, error) {
	relationID := cm.Name

	datacenter, ok := cm.Data[datacenterKey]
	if !ok || datacenter == "" {
		return Record{}, &DecodeError{RelationID: relationID, Reason: "missing datacenter"}
	}

	raw, ok := cm.Data[joinAddressesKey]
	if !ok {
		return Record{}, &DecodeError{RelationID: relationID, Reason: "missing server_join_addresses"}
	}

	var addrs []string
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return Record{}, &DecodeError{RelationID: relationID, Reason: "server_join_addresses is not a JSON string list"}
	}
	if len(addrs) == 0 {
		return Record{}, &DecodeError{RelationID: relationID, Reason: "server_join_addresses is empty"}
	}

	rec := Record{Datacenter: datacenter, JoinAddresses: make([]peers.Address, 0, len(addrs))}
	for _, s := range addrs {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return Record{}, &DecodeError{RelationID: relationID, Reason: fmt.Sprintf("address %q is not host:port", s)}
		}
		port, err := strconv.ParseInt(portStr, 10, 32)
		if err != nil {
			return Record{}, &DecodeError{RelationID: relationID, Reason: fmt.Sprintf("address %q has a non-numeric port", s)}
		}
		rec.JoinAddresses = append(rec.JoinAddresses, peers.Address{Host: host, GossipPort: int32(port)})
	}

	return rec, nil
}
