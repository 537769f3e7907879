// Package session is the public face of the live-session client.
//
// A Client scopes one logical session (for example one debate) to one
// Endpoint. It composes a connection.Machine, which owns the socket, with a
// dispatch.Dispatcher, which fans inbound and lifecycle events out to
// subscribers. A Registry tracks open clients by resource id so a
// composition root can tear them all down together.
package session
