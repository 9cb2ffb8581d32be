// Package conversation admits chat requests into the job pipeline.
//
// # Service
//
// The Service sits between the chat bridge and the dispatcher. Every
// inbound request passes through Submit, in this order:
//
//  1. Validate the text with the request gate (length, repetition, abuse)
//  2. Load or create the user's profile
//  3. Refuse banned users
//  4. Check the daily quota that applies (images for /image, tokens otherwise)
//  5. Merge the user's custom functions, skipping invalid schemas
//  6. Send the "thinking" placeholder and enqueue the job
//
// A refusal at any step is answered on the originating channel and returned
// as ErrRejected. Nothing is queued for it.
//
// The context commands (/reset, /new, /context, /help) are answered here
// directly; they never reach a worker.
//
// # Broadcaster
//
// Broadcaster fans job lifecycle events out to in-process subscribers. It
// implements dispatch.Observer so the worker pool reports started and
// finished jobs, and the Service reports queued ones. Subscribers listen on
// one channel ID or on AllChannels:
//
//	events, _ := b.Subscribe(ctx, conversation.AllChannels)
//	for ev := range events {
//		// ev.State is queued, executing, completed or failed
//	}
//
// Publishing never blocks; a subscriber that falls more than 64 events
// behind loses events.
package conversation
