// Package metrics registers the Prometheus gauges, counters, and
// histograms shared by the leader and agent binaries, and exposes them
// via Handler for mounting at /metrics. Collector polls a storage.Store
// on an interval to keep the fleet-wide gauges current; instantaneous
// counters and histograms are updated inline by the packages that own
// the events they describe.
package metrics
