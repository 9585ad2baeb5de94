// Package transport implements the two endpoint variants of the session
// core: the TLS stream endpoint for critical control traffic and the UDP
// datagram endpoint for frequent best-effort state updates, plus the
// listeners that feed inbound traffic to the session layer.
//
// The package deliberately knows nothing about sessions. Inbound routing
// is expressed through the StreamAcceptor and DatagramRouter interfaces,
// which the session layer implements; this keeps the I/O plumbing and the
// lifecycle logic independently testable.
package transport
