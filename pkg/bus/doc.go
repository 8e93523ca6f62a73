// Package bus is the publish/subscribe transport between the chat pipeline
// worker and the SSE fan-out. Events for a conversation travel on the
// channel "chat:{conversation-id}"; every subscriber on a channel receives
// every message, in publication order.
//
// The Redis implementation rides on the shared client from pkg/redis. The
// in-memory implementation backs tests and single-process deployments.
package bus
