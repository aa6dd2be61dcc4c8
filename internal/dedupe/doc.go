// Package dedupe provides envelope deduplication using a time-based cache
// so at-least-once redeliveries are dropped instead of reprocessed.
package dedupe
