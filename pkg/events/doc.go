// Package events is an in-process pub/sub broker for session-layer events:
// key rotations, handshake decisions and credential installs. Publishing
// never blocks the caller.
package events
