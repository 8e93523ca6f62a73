// Package chat owns conversations, their append-only transcripts, and the
// chat-message pipeline: route the user message (direct reply vs.
// retrieve-then-generate), stream generation tokens as events on the
// per-conversation bus channel, and persist the user/assistant pair in one
// transaction under a row lock on the conversation.
//
// A request id ties the user message, its assistant reply, and every event
// describing their production. Re-enqueueing an already-answered request
// replays the stored reply instead of generating again, which makes the
// handler idempotent under at-least-once delivery.
package chat
