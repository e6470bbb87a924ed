package master

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/events"
	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/metrics"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/storage"
	"github.com/cuemby/brine/pkg/types"
	"github.com/rs/zerolog"
)

// ErrInvalidTransition is returned when a key cannot move to the requested
// status from the one it is in
var ErrInvalidTransition = errors.New("invalid key status transition")

// AcceptPolicy decides what happens to a key the master has never seen
type AcceptPolicy int

const (
	// ManualApproval queues unknown keys as pending
	ManualApproval AcceptPolicy = iota
	// AutoAccept accepts unknown keys immediately
	AutoAccept
)

// Decision is the outcome of a minion authentication request
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionPending
	DecisionRejected
	DecisionDenied
	DecisionFull
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionPending:
		return "pend"
	case DecisionRejected:
		return "reject"
	case DecisionDenied:
		return "denied"
	case DecisionFull:
		return "full"
	default:
		return "unknown"
	}
}

// Options carries the collaborators of a Registry. Zero values get
// defaults: an in-memory cache and, with a cluster id, the cluster store
// named by the configuration.
type Options struct {
	Cache   storage.Cache
	Cluster ClusterStore
	Events  *events.Broker
	Now     func() time.Time
}

// Registry owns a master's keys: its RSA identity, the session key set and
// the minion keys it has seen
type Registry struct {
	cfg     *config.MasterConfig
	keys    *MasterKeys
	secrets *Secrets
	minions *MinionKeys
	cluster ClusterStore
	cache   storage.Cache
	events  *events.Broker
	policy  AcceptPolicy
	now     func() time.Time

	rotateMu sync.Mutex
	// keysMu serializes reads and writes of the minion key directories
	keysMu sync.Mutex
	logger zerolog.Logger
}

// NewRegistry loads the master keys and the initial session key set
func NewRegistry(cfg *config.MasterConfig, opts Options) (*Registry, error) {
	keys, err := LoadMasterKeys(cfg)
	if err != nil {
		return nil, err
	}

	keyRoot := cfg.PKIDir
	if cfg.ClusterID != "" {
		keyRoot = cfg.ClusterPKIDir
	}
	minions, err := NewMinionKeys(keyRoot)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:     cfg,
		keys:    keys,
		minions: minions,
		cluster: opts.Cluster,
		cache:   opts.Cache,
		events:  opts.Events,
		now:     opts.Now,
		logger:  log.WithMasterID("registry", cfg.ID),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.cache == nil {
		r.cache = storage.NewMemoryStore()
	}
	if cfg.AutoAccept {
		r.policy = AutoAccept
	}
	if cfg.ClusterID != "" && r.cluster == nil {
		if r.cluster, err = OpenClusterStore(cfg); err != nil {
			return nil, err
		}
	}

	initial, err := r.initialKeys()
	if err != nil {
		return nil, err
	}
	if r.secrets, err = NewSecrets(initial, cfg.PreviousKeyGrace, r.now); err != nil {
		return nil, err
	}
	metrics.SessionEpoch.Set(float64(initial.Epoch))
	return r, nil
}

// OpenClusterStore opens the backend named by cluster_backend
func OpenClusterStore(cfg *config.MasterConfig) (ClusterStore, error) {
	switch cfg.ClusterBackend {
	case config.ClusterBackendRaft:
		peers, err := ParseRaftPeers(cfg.ClusterPeers)
		if err != nil {
			return nil, err
		}
		return NewRaftStore(cfg.ID, cfg.RaftBind, cfg.RaftDataDir(), peers)
	default:
		return NewSharedDirStore(cfg.ClusterPKIDir)
	}
}

// initialKeys joins the cluster set when one exists. Otherwise it creates
// a set and tries to publish it for the other masters.
func (r *Registry) initialKeys() (types.SessionKeySet, error) {
	if r.cluster != nil {
		set, err := r.cluster.Load()
		if err == nil {
			return set, nil
		}
		if !errors.Is(err, ErrNoClusterKey) {
			return types.SessionKeySet{}, err
		}
	}

	set, err := NewSessionKeySet(r.cfg.AESKeySize, r.now())
	if err != nil {
		return set, err
	}
	if r.cluster != nil {
		if err := r.cluster.Publish(set); err != nil {
			if existing, lerr := r.cluster.Load(); lerr == nil {
				return existing, nil
			}
			r.logger.Debug().Err(err).Msg("Could not publish initial session key, will retry on sync")
		}
	}
	return set, nil
}

// Config returns the master configuration
func (r *Registry) Config() *config.MasterConfig {
	return r.cfg
}

// Keys returns the master RSA keys
func (r *Registry) Keys() *MasterKeys {
	return r.keys
}

// Minions returns the minion key directories
func (r *Registry) Minions() *MinionKeys {
	return r.minions
}

// Cluster returns the cluster store, nil outside cluster mode
func (r *Registry) Cluster() ClusterStore {
	return r.cluster
}

// CurrentSessionKey returns the key handed to authenticating minions
func (r *Registry) CurrentSessionKey() string {
	return r.secrets.Current()
}

// SessionKeys returns a snapshot of the session key set
func (r *Registry) SessionKeys() types.SessionKeySet {
	return r.secrets.Snapshot()
}

// Crypticles returns the crypticles an incoming request may use, current first
func (r *Registry) Crypticles() []*security.Crypticle {
	return r.secrets.Crypticles()
}

// Rotate replaces the session key. Current becomes Previous and the epoch
// advances. In cluster mode the new set is published first and only
// installed locally once the store accepted it.
func (r *Registry) Rotate(trigger string) (types.SessionKeySet, error) {
	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	var next types.SessionKeySet
	var err error
	if r.cluster != nil {
		base := r.secrets.Snapshot()
		stored, lerr := r.cluster.Load()
		switch {
		case lerr == nil:
			if stored.Epoch >= base.Epoch {
				base = stored
			}
		case !errors.Is(lerr, ErrNoClusterKey):
			return types.SessionKeySet{}, lerr
		}

		if next, err = NextSessionKeySet(base, r.cfg.AESKeySize, r.now()); err != nil {
			return next, err
		}
		if err := r.cluster.Publish(next); err != nil {
			return types.SessionKeySet{}, fmt.Errorf("failed to publish session key: %w", err)
		}
		if err := r.secrets.Install(next); err != nil {
			return types.SessionKeySet{}, err
		}
	} else if next, err = r.secrets.Rotate(r.cfg.AESKeySize); err != nil {
		return next, err
	}

	r.installed(next, trigger)
	return next, nil
}

// Sync installs the cluster's set when it differs from the local one.
// It publishes the local set when the cluster has none yet.
func (r *Registry) Sync() error {
	if r.cluster == nil {
		return nil
	}

	r.rotateMu.Lock()
	defer r.rotateMu.Unlock()

	local := r.secrets.Snapshot()
	set, err := r.cluster.Load()
	if errors.Is(err, ErrNoClusterKey) {
		if perr := r.cluster.Publish(local); perr != nil {
			r.logger.Debug().Err(perr).Msg("Could not publish session key")
		}
		return nil
	}
	if err != nil {
		return err
	}
	if set.Current == local.Current {
		return nil
	}

	if err := r.secrets.Install(set); err != nil {
		return err
	}
	r.installed(set, "sync")
	return nil
}

func (r *Registry) installed(set types.SessionKeySet, trigger string) {
	metrics.KeyRotationsTotal.WithLabelValues(trigger).Inc()
	metrics.SessionEpoch.Set(float64(set.Epoch))

	sid := security.SessionID(set.Current)
	r.logger.Info().
		Uint64("epoch", set.Epoch).
		Str("trigger", trigger).
		Str("session_id", sid).
		Msg("Session key rotated")

	r.events.Publish(&events.Event{
		Type:    events.EventKeyRotated,
		Message: fmt.Sprintf("session key rotated to epoch %d", set.Epoch),
		Metadata: map[string]string{
			"epoch":      strconv.FormatUint(set.Epoch, 10),
			"trigger":    trigger,
			"session_id": sid,
		},
	})
}

// AcceptOrQueue applies the accept policy to a presented key and returns
// the resulting record. Unknown keys are stored, never discarded. A key
// that differs from the accepted or pending one for the same id is
// quarantined as denied.
func (r *Registry) AcceptOrQueue(id, pub string) (types.AcceptedKeyRecord, error) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	return r.acceptOrQueue(id, pub)
}

func (r *Registry) acceptOrQueue(id, pub string) (types.AcceptedKeyRecord, error) {
	if !ValidID(id) {
		return types.AcceptedKeyRecord{}, ErrInvalidMinionID
	}
	pub = security.CleanKey(pub)
	key, err := security.ParsePublicKey([]byte(pub))
	if err != nil {
		return types.AcceptedKeyRecord{}, err
	}
	if bits := key.N.BitLen(); bits < security.MinKeySize {
		return types.AcceptedKeyRecord{}, fmt.Errorf("%w: minion key is %d bits, minimum is %d", security.ErrInvalidKey, bits, security.MinKeySize)
	}

	rec, err := r.minions.Status(id)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return rec, err
	}
	if errors.Is(err, ErrKeyNotFound) || rec.Status == types.KeyStatusDenied {
		return r.register(id, pub)
	}

	switch rec.Status {
	case types.KeyStatusRejected:
		return rec, nil

	case types.KeyStatusAccepted:
		if rec.PublicKey != pub {
			return r.deny(id, pub)
		}
		return rec, nil

	case types.KeyStatusPending:
		if rec.PublicKey != pub {
			return r.deny(id, pub)
		}
		if r.policy == AutoAccept {
			return r.minions.Move(id, types.KeyStatusAccepted)
		}
		return rec, nil
	}
	return rec, fmt.Errorf("unexpected key status %q", rec.Status)
}

func (r *Registry) register(id, pub string) (types.AcceptedKeyRecord, error) {
	status := types.KeyStatusPending
	if r.policy == AutoAccept {
		status = types.KeyStatusAccepted
	}
	if err := r.minions.Put(status, id, pub); err != nil {
		return types.AcceptedKeyRecord{}, err
	}
	return types.AcceptedKeyRecord{ID: id, PublicKey: pub, Status: status}, nil
}

func (r *Registry) deny(id, pub string) (types.AcceptedKeyRecord, error) {
	if err := r.minions.Put(types.KeyStatusDenied, id, pub); err != nil {
		return types.AcceptedKeyRecord{}, err
	}
	return types.AcceptedKeyRecord{ID: id, PublicKey: pub, Status: types.KeyStatusDenied}, nil
}

// Authorize runs the full admission check for an authentication request:
// the max_minions limit, then AcceptOrQueue. Accepted minions are marked
// connected.
func (r *Registry) Authorize(id, pub string) (Decision, error) {
	logger := r.logger.With().Str("minion_id", id).Logger()

	// Held across the limit check, admission and the connected mark so
	// concurrent sign-ins see each other's results
	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	if full, err := r.full(id); err != nil {
		return DecisionRejected, err
	} else if full {
		logger.Warn().Int("max_minions", r.cfg.MaxMinions).Msg("Authentication rejected, max_minions reached")
		r.authEvent(events.EventAuthFull, DecisionFull, id, pub)
		metrics.AuthRequestsTotal.WithLabelValues(DecisionFull.String()).Inc()
		return DecisionFull, nil
	}

	rec, err := r.acceptOrQueue(id, pub)
	if err != nil {
		metrics.AuthRequestsTotal.WithLabelValues("error").Inc()
		return DecisionRejected, err
	}

	var d Decision
	switch rec.Status {
	case types.KeyStatusAccepted:
		d = DecisionAccept
		if err := r.MarkConnected(id); err != nil {
			logger.Warn().Err(err).Msg("Failed to record connected minion")
		}
		logger.Info().Msg("Authentication accepted")
		r.authEvent(events.EventAuthAccepted, d, id, pub)
	case types.KeyStatusPending:
		d = DecisionPending
		logger.Info().Msg("Authentication pending, key awaits approval")
		r.authEvent(events.EventAuthPending, d, id, pub)
	case types.KeyStatusDenied:
		d = DecisionDenied
		log.SecurityEvent(&logger).Msg("Authentication denied, presented key differs from the stored key")
		r.authEvent(events.EventAuthDenied, d, id, pub)
	default:
		d = DecisionRejected
		logger.Info().Msg("Authentication rejected, key is rejected")
		r.authEvent(events.EventAuthRejected, d, id, pub)
	}
	metrics.AuthRequestsTotal.WithLabelValues(d.String()).Inc()
	return d, nil
}

func (r *Registry) full(id string) (bool, error) {
	if r.cfg.MaxMinions <= 0 {
		return false, nil
	}
	connected, err := r.cache.List(storage.BankConnected)
	if err != nil {
		return false, fmt.Errorf("failed to list connected minions: %w", err)
	}
	return len(connected) >= r.cfg.MaxMinions && !slices.Contains(connected, id), nil
}

func (r *Registry) authEvent(t events.EventType, d Decision, id, pub string) {
	if !r.cfg.AuthEvents {
		return
	}
	r.events.Publish(&events.Event{
		Type:    t,
		Message: fmt.Sprintf("minion %s authentication: %s", id, d),
		Metadata: map[string]string{
			"id":  id,
			"act": d.String(),
			"pub": pub,
		},
	})
}

// MarkConnected records id in the connected-minions bank
func (r *Registry) MarkConnected(id string) error {
	return r.cache.Store(storage.BankConnected, id, []byte(r.now().UTC().Format(time.RFC3339)))
}

// Statuses a key may be accepted or rejected from
var (
	AcceptFrom = []types.KeyStatus{types.KeyStatusPending, types.KeyStatusRejected}
	RejectFrom = []types.KeyStatus{types.KeyStatusPending, types.KeyStatusAccepted}
)

// Accept moves a pending or rejected key to accepted
func (r *Registry) Accept(id string) (types.AcceptedKeyRecord, error) {
	return r.transition(id, types.KeyStatusAccepted, events.EventKeyAccepted, AcceptFrom...)
}

// Reject moves a pending or accepted key to rejected
func (r *Registry) Reject(id string) (types.AcceptedKeyRecord, error) {
	return r.transition(id, types.KeyStatusRejected, events.EventKeyRejected, RejectFrom...)
}

func (r *Registry) transition(id string, to types.KeyStatus, et events.EventType, from ...types.KeyStatus) (types.AcceptedKeyRecord, error) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	rec, err := r.minions.Transition(id, to, from...)
	if err != nil {
		return rec, err
	}
	if to == types.KeyStatusRejected {
		if err := r.cache.Flush(storage.BankConnected, id); err != nil {
			return rec, err
		}
	}

	r.logger.Info().Str("minion_id", id).Str("status", string(to)).Msg("Minion key updated")
	r.events.Publish(&events.Event{
		Type:     et,
		Message:  fmt.Sprintf("minion %s key %s", id, to),
		Metadata: map[string]string{"id": id},
	})
	return rec, nil
}

// Delete removes every key stored for id
func (r *Registry) Delete(id string) error {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	if err := r.minions.Delete(id); err != nil {
		return err
	}
	if err := r.cache.Flush(storage.BankConnected, id); err != nil {
		return err
	}
	r.logger.Info().Str("minion_id", id).Msg("Minion key deleted")
	r.events.Publish(&events.Event{
		Type:     events.EventKeyDeleted,
		Message:  fmt.Sprintf("minion %s key deleted", id),
		Metadata: map[string]string{"id": id},
	})
	return nil
}

// List returns minion ids by status
func (r *Registry) List() (map[types.KeyStatus][]string, error) {
	return r.minions.List()
}

// CountKeys returns the number of minion keys by status
func (r *Registry) CountKeys() (map[types.KeyStatus]int, error) {
	return r.minions.CountKeys()
}

// ConnectedCount returns the number of minions holding a session
func (r *Registry) ConnectedCount() (int, error) {
	ids, err := r.cache.List(storage.BankConnected)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Epoch returns the session key epoch
func (r *Registry) Epoch() uint64 {
	return r.secrets.Epoch()
}

// IsLeader reports whether this master can publish cluster rotations
func (r *Registry) IsLeader() bool {
	if rs, ok := r.cluster.(*RaftStore); ok {
		return rs.IsLeader()
	}
	return true
}

// Close releases the cluster store
func (r *Registry) Close() error {
	if r.cluster != nil {
		return r.cluster.Close()
	}
	return nil
}
