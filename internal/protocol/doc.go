// Package protocol implements the streaming wire format.
// Clients send binary frame messages (a big-endian sequence number followed by
// little-endian 16-bit PCM) and JSON control messages; the server answers with
// JSON result, segment and error messages.
package protocol
