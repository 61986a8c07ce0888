// Package prometheus renders authcore engine counters in the Prometheus text
// exposition format.
//
// Counter names are authcore_*_total; the login latency histogram is
// authcore_login_latency_seconds. [Exporter.Handler] is a plain
// [http.Handler] that callers mount wherever their router wants it.
//
// # What this package must NOT do
//
//   - Register anything in a global registry.
//   - Mutate engine state.
package prometheus
