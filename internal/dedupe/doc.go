// Package dedupe provides send-retry deduplication using a time-based cache
// so a retried send returns the original message instead of creating a duplicate.
package dedupe
