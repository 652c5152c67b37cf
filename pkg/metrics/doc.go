/*
Package metrics exposes sitesync's Prometheus collectors: queue depth
by task status, in-flight task count, lease reclamations, backoff
durations, fetch duration by outcome, asset version diff classes,
exceptions by kind, and run outcomes. Handler returns the standard
promhttp handler for a host binary to mount; Timer is a small helper
for observing operation durations into a histogram.
*/
package metrics
