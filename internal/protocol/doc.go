// Package protocol defines the JSON envelope exchanged with the realtime backend.
//
// Every frame is a JSON text message:
//
//	{"type": "...", "payload": {...}, "timestamp": "<ISO-8601>", "id": "...", "sessionId": "..."}
//
// A small closed set of types is reserved by the connection layer
// (authentication, liveness, server errors). Every other type is an
// application event and is passed through untouched; unknown types are
// never an error.
package protocol
