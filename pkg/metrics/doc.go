// Package metrics defines the Prometheus instrumentation: proxy read
// counters and latencies, daemon lifecycle counters, remote health
// gauges, and ingest throughput counters. All metrics register at init;
// Handler exposes them for scraping.
package metrics
