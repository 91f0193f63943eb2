// Package pubsub provides the in-memory fan-out primitive for real-time
// delivery of conversation events.
//
// Channels are named delivery scopes. Two namespaces are in use and never
// collide: a participant's private notification address, and a conversation
// ID shared by all of that conversation's members. Events published to one
// channel are delivered to its subscribers in publish order (FIFO per
// channel); nothing is guaranteed about ordering across channels.
//
// Delivery is best-effort from the caller's point of view: Publish reports
// encoding failures synchronously, but a slow subscriber whose buffer is full
// simply misses the event. Durable state always lives in the store - a missed
// event costs a client a real-time update, not data.
package pubsub
