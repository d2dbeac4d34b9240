// Package session owns one frr-agent connection from first byte to close.
//
// Ownership boundary:
// - per-connection state machine (await, dispatch, invoke, respond, close)
// - keepalive handling
// - read/write deadlines
// - peer-side client used by tooling and tests
//
// A session serves exactly one outstanding request at a time. Any decode or
// socket failure ends the session; there is no resynchronization.
package session
