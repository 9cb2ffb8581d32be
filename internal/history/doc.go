// Package history keeps the per-user conversation context that primes each
// model call.
//
// # Context
//
// Every user gets a bounded FIFO of messages (12 by default), a set of topic
// keywords gathered from their turns since the last reset, and the time of
// that reset. Contexts are created on first use and never destroyed.
//
// # Relevance
//
// Relevant returns the whole history until the user has a tracked topic.
// After that it returns the most recent four messages plus any older
// message that shares a keyword with the latest user turn.
//
// # Resets
//
// Append inspects user turns only:
//
//  1. An explicit phrase ("new topic", "btw", ...) always clears the context.
//  2. Otherwise, if the keyword overlap with the previous turn falls below
//     1-DriftThreshold and at least four messages are stored, the context
//     is cleared automatically.
//
// The returned Notice tells the caller which reset happened so it can be
// surfaced after the reply.
//
// # Concurrency
//
// Each user context has its own mutex. The map of contexts has a separate
// lock that is held only for lookup.
package history
