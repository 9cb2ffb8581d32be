// Package dedupe drops chat events that have already been handled.
//
// Homeservers may redeliver an event after a reconnect or a sync retry.
// The bridge calls Cache.CheckAndMark with each event ID before doing any
// work; a true result means the event was seen within the TTL and is
// skipped. The cache holds at most DefaultMaxSize IDs, evicting the oldest
// first, and a background sweeper drops expired ones.
package dedupe
