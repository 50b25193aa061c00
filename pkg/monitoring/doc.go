// Package monitoring provides Prometheus metrics and recording helpers for
// the Consul Operator. It exposes domain-specific gauges that complement the
// generic controller-runtime metrics already registered by the framework.
//
// All metrics follow the naming convention consul_operator_<metric>_<unit>
// and are registered against controller-runtime's default Prometheus registry
// on import.
//
// Usage in controllers:
//
//	monitoring.SetServerInfo(server.Name, server.Namespace, string(server.Status.Phase))
//	monitoring.SetServerReplicas(server.Name, server.Namespace, desired, ready)
package monitoring
