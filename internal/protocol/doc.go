// Package protocol owns the frr-agent wire contract.
//
// Ownership boundary:
// - frame codec (length, generation id, message)
// - decode error taxonomy shared by codec and session
// - session state machine and client helpers
//
// Every message in both directions is
//
//	[8 octets: length][8 octets: generation_id][length octets: message]
//
// with integers in host byte order. Generation id 0 is reserved for
// keepalives.
package protocol
