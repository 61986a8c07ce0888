// Package internaldefs holds the metric names, help strings and bucket bounds
// shared by the authcore exporters, so every exporter publishes identical
// series.
//
// # What this package must NOT do
//
//   - Import an exporter package.
//   - Perform I/O.
package internaldefs
