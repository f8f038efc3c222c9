/*
Package metrics defines the Prometheus collectors for the sync engine:
document load latency and in-memory counts, write throughput and queue
depth, snapshot/pack/GC cycle telemetry, and activity-sync health
(watcher events, retries, stale entries).

All collectors are registered at init; Handler exposes the standard
promhttp endpoint, served by the daemon alongside health.
*/
package metrics
