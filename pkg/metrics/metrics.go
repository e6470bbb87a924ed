package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Handshake metrics
	AuthRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brine_auth_requests_total",
			Help: "Total number of _auth requests by outcome",
		},
		[]string{"result"},
	)

	SignInDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brine_signin_duration_seconds",
			Help:    "Minion sign-in round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	SignInsCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brine_signins_coalesced_total",
			Help: "Authenticate calls that joined an in-flight sign-in",
		},
	)

	// Session key metrics
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brine_key_rotations_total",
			Help: "Total number of session key rotations by trigger",
		},
		[]string{"trigger"},
	)

	SessionEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brine_session_epoch",
			Help: "Current session key rotation epoch",
		},
	)

	// Dispatcher metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brine_requests_total",
			Help: "Total number of dispatched requests by encoding and status",
		},
		[]string{"enc", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brine_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"enc"},
	)

	DecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brine_decode_failures_total",
			Help: "Messages that failed to decode by reason",
		},
		[]string{"reason"},
	)

	ConnectionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brine_connections_closed_total",
			Help: "Master connections closed by reason (closed, idle, reply_failed)",
		},
		[]string{"reason"},
	)

	TransportStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brine_transport_streams",
			Help: "Open transport streams on the master listener",
		},
	)

	// Key registry metrics
	MinionKeysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brine_minion_keys_total",
			Help: "Number of minion keys by status",
		},
		[]string{"status"},
	)

	ConnectedMinions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brine_connected_minions",
			Help: "Number of minions holding a session",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brine_raft_is_leader",
			Help: "Whether this master is the Raft leader (1 = leader, 0 = follower)",
		},
	)
)

func init() {
	prometheus.MustRegister(AuthRequestsTotal)
	prometheus.MustRegister(SignInDuration)
	prometheus.MustRegister(SignInsCoalesced)
	prometheus.MustRegister(KeyRotationsTotal)
	prometheus.MustRegister(SessionEpoch)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DecodeFailuresTotal)
	prometheus.MustRegister(ConnectionsClosedTotal)
	prometheus.MustRegister(TransportStreams)
	prometheus.MustRegister(MinionKeysTotal)
	prometheus.MustRegister(ConnectedMinions)
	prometheus.MustRegister(RaftLeader)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
