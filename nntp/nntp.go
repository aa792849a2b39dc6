// Package nntp has protocol types and helpers for NNTP, RFC 3977.
package nntp

// Anum is an article number within a group. Article numbers are assigned by
// the server, increase over time and are never reused. 64 bits so long-lived
// groups cannot overflow it.
type Anum int64

// Port and TLSPort are the standard ports for plain NNTP and immediate TLS
// ("snews") connections.
const (
	Port    = 119
	TLSPort = 563
)
