// Package membership defines the chat, message and membership data model of the
// group chat service together with the invariants that govern it.
//
// Everything in this package is pure: validation functions take plain values and
// return either nil or a *Violation, leaving the caller free to reject a request
// or to skip a single malformed element of a batch.
package membership
