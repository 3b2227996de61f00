// Package fog builds an overlay of nodes on a local network and floods
// application messages through it.
//
// Each process runs a `Router`. Routers are identified by a persistent
// `NodeID` and talk to each other over encrypted QUIC links. A node can be
// given explicit neighbours, and it can announce itself on the LAN so that
// isolated groups of nodes find each other and merge without any
// configuration.
//
// ## How it works
//
// Every frame sent on a link is an envelope signed with a key derived from
// the shared credentials, so only nodes of the same overlay accept each
// other. Once a link is authenticated, both ends exchange their view of the
// overlay and learn how far every other node is.
//
// Messages are flooded: a node forwards what it receives to all its direct
// clients except the one it came from. The overlay is kept a tree, since
// only the smallest node of a group dials another group, and a message
// coming back to its source is reported as a cycle failure which breaks the
// offending link.
//
// Discovery uses UDP multicast beacons by default, or a
// [`hashicorp/memberlist`][dep-mbl] cluster when multicast is not
// available.
//
// ## Design Principles
//
// ### Anti-Fragile
//
// Links break and nodes restart. Lost explicit neighbours are dialed again
// a bounded number of times, and a node leaving is propagated to the whole
// overlay so everybody can forget about it.
//
// ### Observable
//
// Logs go through `log/slog` and metrics through
// [`hashicorp/go-metrics`][dep-met], so you can plug fog into whatever your
// application already uses.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package fog
