/*
Package types defines the core data types shared across brine packages.

The types here carry no behaviour. They describe principals (Role), minion
key acceptance (KeyStatus, AcceptedKeyRecord), the master's session key
state (SessionKeySet) and the framing kinds of wire envelopes (Enc).

# Key Status Lifecycle

	           ┌──────────┐  accept   ┌──────────┐
	new key ──▶│ pending  │──────────▶│ accepted │
	           └────┬─────┘           └────┬─────┘
	                │ reject               │ different key presented
	                ▼                      ▼
	           ┌──────────┐           ┌──────────┐
	           │ rejected │           │  denied  │
	           └──────────┘           └──────────┘

With the AutoAccept policy a new key moves straight to accepted. A denied
record quarantines the offending key for operator inspection; it never
replaces the accepted one.

# Session Key Set

	epoch N:   Current=K2  Previous=K1
	rotate  →  epoch N+1: Current=K3  Previous=K2

Previous stays valid for a configurable grace window so that messages
already encrypted under it still decode.
*/
package types
