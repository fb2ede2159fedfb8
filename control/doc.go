// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, logging, metrics and debug introspection for
// the bridge engine and its clients.
//
// Provides concurrent-safe state handling primitives including:
//   - YAML configuration with environment overrides and atomic snapshots
//   - fsnotify-driven hot reload dispatched to registered listeners
//   - Prometheus collectors on a per-engine registry
//   - Named debug probes served as JSON
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
