// Package discovery advertises device management servers on the local link
// with mDNS/DNS-SD and browses for them.
//
// Two service types are used:
//
// # Management server (_lwm2m._udp)
//
// A server accepting registrations. Instance name is the configured server
// name. TXT records include: ver (protocol version), sec (accepted security
// modes, comma separated) and optionally fmt (content formats) and path
// (resource path prefix).
//
// # Bootstrap server (_lwm2m-bs._udp)
//
// A server answering bootstrap requests, with the same TXT records.
package discovery
