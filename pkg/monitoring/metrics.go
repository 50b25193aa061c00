package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Domain-specific metric collectors.
//
// These complement the generic controller-runtime metrics (reconcile counts,
// durations, work queue depth, etc.) with operator-specific state that the
// framework cannot know about.
var (
	serverInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consul_operator_server_info",
			Help: "Info-style metric for ConsulServer discovery and phase tracking. Always 1.",
		},
		[]string{"name", "namespace", "phase"},
	)

	serverReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consul_operator_server_replicas",
			Help: "Server replica counts for a ConsulServer.",
		},
		[]string{"name", "namespace", "state"},
	)

	clusterLinkPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consul_operator_cluster_link_peers",
			Help: "Number of related applications currently publishing on the cluster link.",
		},
		[]string{"name", "namespace"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		serverInfo,
		serverReplicas,
		clusterLinkPeers,
	)
}

// Collectors returns all registered metric collectors. This is useful for
// testing that metrics are properly registered.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serverInfo,
		serverReplicas,
		clusterLinkPeers,
	}
}
