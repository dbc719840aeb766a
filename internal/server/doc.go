// Package server implements the real-time side of the chat service.
//
// A Registry maps chat ids to live connections, the Hub fans broadcasts out to
// them, and each Client runs the session protocol for one websocket: it is
// authenticated and bound to an existing chat before it is registered, then
// every inbound frame is validated, persisted, marked read by its sender and
// broadcast to the chat. The same package serves the REST management routes.
package server
