// Package events provides an in-process pub/sub broker for runtime
// occurrences: daemon lifecycle, remote health transitions, group
// switches, and ingest progress. Subscribers can filter by event type;
// slow subscribers drop events instead of stalling publishers.
package events
