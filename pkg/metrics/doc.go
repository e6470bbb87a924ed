/*
Package metrics exposes Prometheus instrumentation and health endpoints for
brine masters and minions.

Vectors are package-level and registered in init:

	brine_auth_requests_total{result}        accept, pend, reject, denied, full, error
	brine_signin_duration_seconds{result}    minion sign-in round trips
	brine_signins_coalesced_total            callers that joined an in-flight sign-in
	brine_key_rotations_total{trigger}       dropfile, schedule, cluster, manual
	brine_session_epoch                      current rotation epoch
	brine_requests_total{enc,status}         dispatched requests
	brine_request_duration_seconds{enc}
	brine_decode_failures_total{reason}      mac, nonce, policy, envelope
	brine_connections_closed_total{reason}   closed, idle, reply_failed
	brine_minion_keys_total{status}
	brine_connected_minions
	brine_raft_is_leader

Timer wraps time measurement for histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RequestDuration, "aes")

HealthChecker.Mux serves /metrics alongside /health, /ready and /live.
*/
package metrics
