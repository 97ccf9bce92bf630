// Package version holds the protocol version compiled into this build of
// the library. It is exchanged (not negotiated) during the filter
// handshake: peers with differing Major are rejected, differing Minor is
// logged and accepted.
package version

// Major and Minor make up the (major, minor) pair exchanged in the filter
// handshake's FilterPacket. Bump Major for wire-incompatible changes to the
// packet codec or handshake; bump Minor for compatible additions.
const (
	Major uint16 = 0
	Minor uint16 = 1
)

// String is the human-readable version, used in logs only.
const String = "qnet-0.1"
