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

// Package peers maintains the set of known Consul cluster member addresses.
//
// A Directory holds the local instance's own gossip addresses together with
// addresses advertised by related applications over the cluster link. The
// directory is built fresh for each reconcile pass and is not safe for
// concurrent use; controller-runtime serializes reconciles per resource, so
// it never needs to be.
package peers

import (
	"net"
	"sort"
	"strconv"
)

// Source identifies where a peer address was learned from.
type Source string

const (
	// SourceLocal marks the local instance's own address.
	SourceLocal Source = "Local"

	// SourceRelation marks an address advertised by a related application.
	SourceRelation Source = "Relation"
)

// Address is a gossip endpoint another cluster member can join through.
type Address struct {
	Host       string
	GossipPort int32
}

// String renders the address in the host:port form Consul's retry_join takes.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.GossipPort)))
}

// Peer is a directory entry: an address plus its provenance.
type Peer struct {
	Address
	Source Source

	// RelationID tags relation-sourced entries with the link they came
	// from, so they can be dropped when that relation departs.
	RelationID string
}

// Directory is the set of known peer addresses, keyed by (host, port).
// Duplicates from different sources collapse to one entry; Local wins ties.
type Directory struct {
	entries map[Address]Peer
}

// NewDirectory returns an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[Address]Peer)}
}

// RecordLocal upserts the local instance's own address. Idempotent. A local
// entry displaces any relation-sourced entry for the same address.
func (d *Directory) RecordLocal(addr Address) {
	d.entries[addr] = Peer{Address: addr, Source: SourceLocal}
}

// RecordRemote upserts an address advertised by the given relation.
// Idempotent. If the address is already present with source Local, the local
// entry stays.
func (d *Directory) RecordRemote(relationID string, addr Address) {
	if existing, ok := d.entries[addr]; ok && existing.Source == SourceLocal {
		return
	}
	d.entries[addr] = Peer{Address: addr, Source: SourceRelation, RelationID: relationID}
}

// RemovePeersOf removes every relation-sourced entry tagged with relationID.
// Called when a relation departs.
func (d *Directory) RemovePeersOf(relationID string) {
	for addr, p := range d.entries {
		if p.Source == SourceRelation && p.RelationID == relationID {
			delete(d.entries, addr)
		}
	}
}

// JoinAddresses returns the directory contents in a deterministic order:
// local entries first, then relation entries, each group sorted by host then
// port. Stable ordering keeps the generated workload config byte-identical
// across reconciles when the peer set is unchanged.
func (d *Directory) JoinAddresses() []Peer {
	local := make([]Peer, 0, len(d.entries))
	remote := make([]Peer, 0, len(d.entries))
	for _, p := range d.entries {
		if p.Source == SourceLocal {
			local = append(local, p)
		} else {
			remote = append(remote, p)
		}
	}

	byHostPort := func(peers []Peer) func(i, j int) bool {
		return func(i, j int) bool {
			if peers[i].Host != peers[j].Host {
				return peers[i].Host < peers[j].Host
			}
			return peers[i].GossipPort < peers[j].GossipPort
		}
	}
	sort.Slice(local, byHostPort(local))
	sort.Slice(remote, byHostPort(remote))

	return append(local, remote...)
}

// Len reports the number of distinct addresses in the directory.
func (d *Directory) Len() int {
	return len(d.entries)
}
