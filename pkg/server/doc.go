// Package server ties the device management engine together.
//
// A Server owns the registration store, observation manager, presence
// tracker and request layer, and routes uplink messages from devices to
// them. It implements transport.Handler, so a Listener can feed it
// directly.
//
// Register, Update and Deregister are authorized against the security
// manager before they touch the store. When a registration goes away its
// observations and presence state are removed and its outstanding requests
// fail with request.ErrCancelled.
//
// Downlink operations (Read, Write, Observe, ...) take a registration id
// and come in a blocking and an Async flavour. Both report the same
// outcomes: a decoded *Response, or an error that is a
// request.TimeoutError, request.ErrUnconnectedPeer, a codec error or
// ErrRegistrationNotFound.
package server
