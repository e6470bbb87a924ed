package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cuemby/brine/pkg/config"
	"github.com/cuemby/brine/pkg/events"
	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/metrics"
	"github.com/cuemby/brine/pkg/payload"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/transport"
	"github.com/cuemby/brine/pkg/types"
	"github.com/rs/zerolog"
)

// State is the sign-in state of a handshake client
type State int32

const (
	StateUnauthenticated State = iota
	StateAwaitingMasterResponse
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingMasterResponse:
		return "awaiting_master_response"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Options configures a handshake client for one master
type Options struct {
	ID        string
	PKIDir    string
	MasterURI string
	KeySize   int

	AuthTimeout           time.Duration
	AuthTries             int
	AcceptanceWaitTime    time.Duration
	AcceptanceWaitTimeMax time.Duration
	RejectedRetry         bool
	MasterFinger          string
	AuthEvents            bool

	TLSPolicy security.TLSPolicy

	// Dial opens a connection to MasterURI
	Dial transport.Dialer

	// Cache is shared by every client in the process. A private cache
	// is created when nil.
	Cache *CredentialsCache

	Events *events.Broker
}

// OptionsFromConfig builds Options for one of cfg's masters
func OptionsFromConfig(cfg *config.MinionConfig, masterURI string, dial transport.Dialer, cache *CredentialsCache) Options {
	return Options{
		ID:                    cfg.ID,
		PKIDir:                cfg.PKIDir,
		MasterURI:             masterURI,
		KeySize:               cfg.KeySize,
		AuthTimeout:           cfg.AuthTimeout,
		AuthTries:             cfg.AuthTries,
		AcceptanceWaitTime:    cfg.AcceptanceWaitTime,
		AcceptanceWaitTimeMax: cfg.AcceptanceWaitTimeMax,
		RejectedRetry:         cfg.RejectedRetry,
		MasterFinger:          cfg.MasterFinger,
		AuthEvents:            cfg.AuthEvents,
		TLSPolicy: security.TLSPolicy{
			DisableAESWithTLS: cfg.DisableAESWithTLS,
			Transport:         cfg.Transport,
			SSLCertReqs:       cfg.SSLCertReqs,
		},
		Dial:  dial,
		Cache: cache,
	}
}

// handshake is the sign-in logic shared by SAuth and AsyncAuth
type handshake struct {
	opts   Options
	key    CredsKey
	keys   *security.Keypair
	pins   *PinStore
	state  atomic.Int32
	logger zerolog.Logger
}

// signInRequest is what a reply is checked against
type signInRequest struct {
	nonce string
	token string
}

func newHandshake(opts Options) (*handshake, error) {
	switch {
	case opts.ID == "":
		return nil, errors.New("minion id is required")
	case opts.PKIDir == "":
		return nil, errors.New("pki dir is required")
	case opts.MasterURI == "":
		return nil, errors.New("master uri is required")
	case opts.Dial == nil:
		return nil, errors.New("dialer is required")
	}
	if opts.KeySize == 0 {
		opts.KeySize = security.DefaultKeySize
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.AuthTries < 1 {
		opts.AuthTries = 1
	}
	if opts.Cache == nil {
		opts.Cache = NewCredentialsCache()
	}

	keys, err := security.EnsureKeypair(opts.PKIDir, "minion", opts.KeySize)
	if err != nil {
		return nil, err
	}

	return &handshake{
		opts:   opts,
		key:    CredsKey{PKIDir: opts.PKIDir, ID: opts.ID, MasterURI: opts.MasterURI},
		keys:   keys,
		pins:   NewPinStore(opts.PKIDir),
		logger: log.WithMinionID("auth", opts.ID).With().Str("master", opts.MasterURI).Logger(),
	}, nil
}

// State returns the current sign-in state
func (h *handshake) State() State {
	return State(h.state.Load())
}

func (h *handshake) setState(s State) {
	h.state.Store(int32(s))
}

// Key returns the cache key of this client
func (h *handshake) Key() CredsKey {
	return h.key
}

// Creds returns the cached credentials, nil before the first sign-in
func (h *handshake) Creds() *Credentials {
	return h.opts.Cache.Get(h.key)
}

// Invalidate drops the cached credentials
func (h *handshake) Invalidate() {
	h.opts.Cache.Invalidate(h.key)
	h.setState(StateUnauthenticated)
}

// Crypticle returns a TLS-aware crypticle over the cached session key
func (h *handshake) Crypticle() (*security.TLSAwareCrypticle, error) {
	creds := h.Creds()
	if creds == nil {
		return nil, fmt.Errorf("%w: no credentials for %s", ErrAuthFailed, h.opts.MasterURI)
	}
	c, err := security.NewCrypticle(creds.AES)
	if err != nil {
		return nil, err
	}
	return security.NewTLSAwareCrypticle(c, h.opts.TLSPolicy), nil
}

// BuildIdentityPayload builds the _auth request. When a master key is
// pinned it carries a random token sealed to that key; the master must
// echo it back.
func (h *handshake) BuildIdentityPayload() (payload.Load, signInRequest, error) {
	req := signInRequest{nonce: security.NewNonce()}

	pub, err := h.keys.PublicPEM()
	if err != nil {
		return nil, req, err
	}
	load := payload.Load{
		"cmd":   types.CmdAuth,
		"id":    h.opts.ID,
		"pub":   pub,
		"nonce": req.nonce,
	}

	pinned, ok, err := h.pins.Pinned(h.opts.MasterURI)
	if err != nil {
		return nil, req, err
	}
	if ok {
		mpub, err := security.ParsePublicKey([]byte(pinned))
		if err != nil {
			return nil, req, err
		}
		req.token = security.NewNonce()
		sealed, err := security.EncryptOAEP(mpub, []byte(req.token))
		if err != nil {
			return nil, req, err
		}
		load["token"] = sealed
	}
	return load, req, nil
}

// SignIn performs one _auth round trip. It does not touch the cache.
func (h *handshake) SignIn(ctx context.Context) (*Credentials, error) {
	timer := metrics.NewTimer()
	creds, err := h.signIn(ctx)

	result := "ok"
	switch {
	case err == nil:
		h.setState(StateAuthenticated)
	case errors.Is(err, ErrRetry):
		result = "retry"
	case errors.Is(err, security.ErrAuthenticationTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	if err != nil {
		h.setState(StateUnauthenticated)
	}
	timer.ObserveDurationVec(metrics.SignInDuration, result)
	return creds, err
}

func (h *handshake) signIn(parent context.Context) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(parent, h.opts.AuthTimeout)
	defer cancel()

	load, req, err := h.BuildIdentityPayload()
	if err != nil {
		return nil, err
	}
	body, err := payload.Dumps(load)
	if err != nil {
		return nil, err
	}
	frame, err := payload.EncodeEnvelope(&payload.Envelope{Enc: types.EncClear, Load: body, Version: payload.Version})
	if err != nil {
		return nil, err
	}

	h.setState(StateAwaitingMasterResponse)

	conn, err := h.opts.Dial(ctx)
	if err != nil {
		return nil, h.networkError(parent, ctx, "dial", err)
	}
	defer conn.Close()

	reply, err := transport.Request(ctx, conn, frame)
	if err != nil {
		return nil, h.networkError(parent, ctx, "request", err)
	}
	return h.handleReply(reply, req)
}

// networkError classifies a failed network wait. Caller cancellation is
// returned as is, so it is never retried.
func (h *handshake) networkError(parent, ctx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: no reply from %s within %s", security.ErrAuthenticationTimeout, h.opts.MasterURI, h.opts.AuthTimeout)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrRetry, op, h.opts.MasterURI, err)
}

func (h *handshake) handleReply(reply []byte, req signInRequest) (*Credentials, error) {
	env, err := payload.DecodeEnvelope(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", security.ErrDecode, err)
	}
	load, err := payload.Loads(env.Load)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", security.ErrDecode, err)
	}
	if msg := load.String("error"); msg != "" {
		return nil, fmt.Errorf("%w: %w: %s", ErrAuthFailed, ErrRemote, msg)
	}
	if env.Enc != types.EncClear {
		return nil, fmt.Errorf("%w: unexpected reply encoding %q", security.ErrDecode, env.Enc)
	}

	if subtle.ConstantTimeCompare([]byte(load.String("nonce")), []byte(req.nonce)) != 1 {
		return nil, security.ErrNonceVerification
	}

	claimedPEM := load.String("pub_key")
	claimed, err := security.ParsePublicKey([]byte(claimedPEM))
	if err != nil {
		return nil, err
	}
	if !security.Verify(claimed, env.Load, env.Sig) {
		return nil, h.identityFailure(fmt.Errorf("%w: reply signature is invalid", security.ErrIdentityMismatch))
	}
	if err := h.checkFinger(claimedPEM); err != nil {
		return nil, h.identityFailure(err)
	}
	if pinned, ok, err := h.pins.Pinned(h.opts.MasterURI); err != nil {
		return nil, err
	} else if ok && pinned != security.CleanKey(claimedPEM) {
		return nil, h.identityFailure(fmt.Errorf("%w: master key differs from the pinned key", security.ErrIdentityMismatch))
	}

	if load.Has("ret") {
		return nil, h.notAdmitted(load["ret"])
	}
	if load.String("enc") != string(types.EncPub) {
		return nil, fmt.Errorf("%w: reply carries no session key", security.ErrDecode)
	}

	aesBytes, err := security.DecryptOAEP(h.keys.Private, load.Bytes("aes"))
	if err != nil {
		return nil, err
	}
	aes := string(aesBytes)
	if _, err := security.NewCrypticle(aes); err != nil {
		return nil, err
	}

	first, err := h.pins.VerifyMasterIdentity(h.opts.MasterURI, claimedPEM, claimed, load.Bytes("sig"), aes)
	if err != nil {
		return nil, h.identityFailure(err)
	}
	if err := h.checkToken(load, req); err != nil {
		return nil, h.identityFailure(err)
	}
	sid := security.SessionID(aes)
	if got := load.String("session_id"); got != "" && got != sid {
		return nil, h.identityFailure(fmt.Errorf("%w: session id does not match the session key", security.ErrIdentityMismatch))
	}

	if first {
		if err := h.pins.Pin(h.opts.MasterURI, claimedPEM); err != nil {
			return nil, err
		}
		h.logger.Info().Str("path", h.pins.Path(h.opts.MasterURI)).Msg("Pinned master public key")
	}

	port, _ := load.Int("publish_port")
	return &Credentials{
		AES:         aes,
		SessionID:   sid,
		MasterURI:   h.opts.MasterURI,
		PublishPort: int(port),
		CreatedAt:   time.Now(),
	}, nil
}

func (h *handshake) notAdmitted(ret any) error {
	switch v := ret.(type) {
	case bool:
		if v {
			h.logger.Info().Msg("Minion key is pending acceptance on the master")
			return fmt.Errorf("%w: key pending acceptance", ErrRetry)
		}
		if h.opts.RejectedRetry {
			h.logger.Warn().Msg("Minion key rejected by master, retrying")
			return fmt.Errorf("%w: key rejected", ErrRetry)
		}
		h.logger.Error().Msg("Minion key rejected by master")
		return ErrKeyRejected
	case string:
		if v == types.SignInFull {
			h.logger.Warn().Msg("Master has reached max_minions")
			return fmt.Errorf("%w: master is full", ErrRetry)
		}
	}
	return fmt.Errorf("%w: unexpected ret %v", security.ErrDecode, ret)
}

func (h *handshake) checkFinger(pubPEM string) error {
	if h.opts.MasterFinger == "" {
		return nil
	}
	finger, err := security.Fingerprint(pubPEM)
	if err != nil {
		return err
	}
	if finger != h.opts.MasterFinger {
		return fmt.Errorf("%w: master fingerprint %s does not match master_finger", security.ErrIdentityMismatch, finger)
	}
	return nil
}

func (h *handshake) checkToken(load payload.Load, req signInRequest) error {
	if req.token == "" {
		return nil
	}
	echo := load.Bytes("token")
	if len(echo) == 0 {
		return fmt.Errorf("%w: master did not echo the token", security.ErrIdentityMismatch)
	}
	plain, err := security.DecryptOAEP(h.keys.Private, echo)
	if err != nil || subtle.ConstantTimeCompare(plain, []byte(req.token)) != 1 {
		return fmt.Errorf("%w: master echoed a wrong token", security.ErrIdentityMismatch)
	}
	return nil
}

func (h *handshake) identityFailure(err error) error {
	log.SecurityEvent(&h.logger).Err(err).Msg("Master identity verification failed")
	return err
}

// authenticate signs in until admitted, retrying ErrRetry and timeouts
// with growing, jittered waits. The result is installed in the cache
// unless ctx was cancelled.
func (h *handshake) authenticate(ctx context.Context) (*Credentials, error) {
	wait := h.opts.AcceptanceWaitTime
	var lastErr error

	for attempt := 1; attempt <= h.opts.AuthTries; attempt++ {
		creds, err := h.SignIn(ctx)
		if err == nil {
			return h.install(ctx, creds)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == h.opts.AuthTries {
			break
		}

		d := jitter(wait)
		h.logger.Info().Err(err).Int("attempt", attempt).Dur("wait", d).Msg("Sign-in not granted, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		wait = h.nextWait(wait)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAuthFailed, h.opts.AuthTries, lastErr)
}

func (h *handshake) install(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := h.opts.Cache.Install(h.key, creds)
	h.logger.Info().Str("session_id", stored.SessionID).Msg("Authenticated with master")

	if h.opts.AuthEvents {
		h.opts.Events.Publish(&events.Event{
			Type:    events.EventCredsReceived,
			Message: fmt.Sprintf("credentials received from %s", h.opts.MasterURI),
			Metadata: map[string]string{
				"id":         h.opts.ID,
				"master":     h.opts.MasterURI,
				"session_id": stored.SessionID,
			},
		})
	}
	return stored, nil
}

func (h *handshake) nextWait(wait time.Duration) time.Duration {
	limit := h.opts.AcceptanceWaitTimeMax
	if limit <= wait {
		return wait
	}
	return min(wait*2, limit)
}

func retryable(err error) bool {
	return errors.Is(err, ErrRetry) || errors.Is(err, security.ErrAuthenticationTimeout)
}

// jitter adds up to a quarter of d
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/4+1)
}
