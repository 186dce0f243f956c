// Package request correlates server-initiated requests with device
// responses.
//
// Every request resolves exactly once with one of:
//
//   - a *wire.Response (success or application status such as NOT_FOUND)
//   - a *TimeoutError of kind TimeoutTransport, TimeoutResponse or
//     TimeoutHandshake
//   - ErrUnconnectedPeer when a queue-mode device is sleeping
//   - ErrCancelled when the registration goes away or the caller gives up
//   - a security error when the session no longer matches the endpoint
//
// Send blocks for the outcome; SendAsync delivers the same outcome to
// callbacks. Both run the same state machine so equivalent conditions are
// classified identically.
//
// # Flow
//
//  1. Presence gate: a sleeping queue-mode device fails immediately.
//  2. Session check: the session the registration was made over must still
//     be trusted for the endpoint.
//  3. Handshake: opened on demand, bounded by HandshakeTimeout.
//  4. Transport send: confirmable delivery bounded by TransmitSpan.
//  5. Response wait: bounded by ResponseTimeout once acknowledged.
//
// No lock is held during a transport send or handshake.
package request
