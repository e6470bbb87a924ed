/*
Package log provides structured logging for brine using zerolog.

A single package-level zerolog.Logger is configured once with Init and shared
by every component. Components derive child loggers carrying their identity:

	logger := log.WithComponent("dispatcher")
	logger := log.WithMinionID("auth", "web-01")
	logger := log.WithMasterID("registry", "master-a")

# Log Levels

  - debug: key loads, crypticle refreshes, coalesced sign-ins
  - info: authentication accepted, keys queued, rotations
  - warn: sign-in retries, timeouts, recovered worker failures
  - error: decode failures, corrupt keys, security events

# Security Events

Failures that may indicate impersonation (a changed master key, a bad
signature on a sign-in reply, a TLS peer whose certificate does not match the
claimed principal) are logged through SecurityEvent, which tags the entry with
security_event=true so that it can be routed to an audit sink:

	log.SecurityEvent(&logger).
		Str("master", addr).
		Msg("master public key changed since it was pinned")

# Output Formats

JSON output is intended for production:

	{"level":"info","component":"registry","epoch":4,"time":"...","message":"session key rotated"}

Console output is intended for interactive use:

	2024-10-13T10:30:00Z INF session key rotated component=registry epoch=4
*/
package log
