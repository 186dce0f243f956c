// Package transport carries wire messages between the engine and devices
// over (D)TLS-secured datagrams.
//
// # Components
//
//   - Listener accepts sessions, reads datagrams, decodes wire.Message and
//     hands them to a Handler. Replies are written back on the same
//     session.
//   - Reliable gives request.Layer confirmable delivery: it retransmits
//     with exponential backoff until the peer acknowledges, then reports
//     request.ErrNoAck.
//   - DTLSConfig builds a pion/dtls configuration whose PSK lookup and
//     certificate checks go through security.Manager.
//
// Sessions are indexed by id, bound endpoint and remote address. Dropping
// the session of an endpoint closes its connection so the device has to
// handshake again with current credentials.
package transport
