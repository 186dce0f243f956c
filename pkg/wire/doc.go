// Package wire defines the message model exchanged between the management
// server and constrained devices.
//
// Messages are CBOR (RFC 8949) maps with integer keys. The resource payload
// carried inside a request or response is opaque at this layer; its content
// format is identified by ContentFormat and decoded by package codec.
//
// # Message Types
//
//   - Request: either direction (Register/Update/Deregister from the device,
//     Read/Write/Observe/... from the server)
//   - Response: answers a request with the same message ID
//   - Notification: observe notification carrying the observation token
//   - Ack: transport-level acknowledgement of a confirmable message
//
// # Paths and Links
//
// Resource paths follow the object/instance/resource/resource-instance
// scheme ("/3/0/15"). Registration payloads carry an ordered list of
// supported object instances in CoRE link format (RFC 6690).
package wire
