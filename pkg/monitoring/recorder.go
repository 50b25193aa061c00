package monitoring

// SetServerInfo sets the info-style gauge for a ConsulServer.
// Old phase labels are automatically cleaned up via DeletePartialMatch.
func SetServerInfo(name, namespace, phase string) {
	serverInfo.DeletePartialMatch(map[string]string{
		"name":      name,
		"namespace": namespace,
	})
	serverInfo.WithLabelValues(name, namespace, phase).Set(1)
}

// SetServerReplicas sets the desired and ready replica gauges for a
// ConsulServer.
func SetServerReplicas(name, namespace string, desired, ready int32) {
	serverReplicas.WithLabelValues(name, namespace, "desired").Set(float64(desired))
	serverReplicas.WithLabelValues(name, namespace, "ready").Set(float64(ready))
}

// SetClusterLinkPeers sets the gauge tracking how many related applications
// are currently publishing on the cluster link.
func SetClusterLinkPeers(name, namespace string, peers int) {
	clusterLinkPeers.WithLabelValues(name, namespace).Set(float64(peers))
}
