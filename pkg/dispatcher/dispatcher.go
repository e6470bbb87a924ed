package dispatcher

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/brine/pkg/log"
	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/metrics"
	"github.com/cuemby/brine/pkg/payload"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/types"
	"github.com/rs/zerolog"
)

// BadLoad is the error text returned for requests that cannot be decoded.
// Minions treat it as a signal to re-authenticate.
const BadLoad = "bad load"

// HandlerFunc serves one decoded request
type HandlerFunc func(ctx context.Context, load payload.Load) (any, error)

// Funcs maps a request's cmd to its handler
type Funcs map[string]HandlerFunc

// Options configures a Dispatcher
type Options struct {
	Policy security.TLSPolicy

	// ClearFuncs serve unauthenticated requests other than _auth
	ClearFuncs Funcs

	// AESFuncs serve requests sealed with the session key
	AESFuncs Funcs
}

// Dispatcher decodes request frames, routes them and encodes replies
type Dispatcher struct {
	reg    *master.Registry
	policy security.TLSPolicy
	clear  Funcs
	aes    Funcs
	logger zerolog.Logger
}

// New creates a dispatcher for reg
func New(reg *master.Registry, opts Options) *Dispatcher {
	d := &Dispatcher{
		reg:    reg,
		policy: opts.Policy,
		clear:  opts.ClearFuncs,
		aes:    opts.AESFuncs,
		logger: log.WithMasterID("dispatcher", reg.Config().ID),
	}
	if d.clear == nil {
		d.clear = Funcs{}
	}
	if d.aes == nil {
		d.aes = Funcs{}
	}
	return d
}

// HandleMessage turns one request frame into one reply frame. It never
// fails: decode errors and handler panics become error replies.
func (d *Dispatcher) HandleMessage(ctx context.Context, frame []byte, peer *x509.Certificate) (reply []byte) {
	enc := "invalid"
	timer := metrics.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Request handling panicked")
			reply = errorReply("internal error")
			metrics.RequestsTotal.WithLabelValues(enc, "panic").Inc()
		}
		timer.ObserveDurationVec(metrics.RequestDuration, enc)
	}()

	env, err := payload.DecodeEnvelope(frame)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(enc, "bad_load").Inc()
		return d.badLoad("envelope", err)
	}
	enc = string(env.Enc)

	switch env.Enc {
	case types.EncClear:
		reply = d.handleClear(ctx, env)
	case types.EncAES:
		reply = d.handleAES(ctx, env, peer)
	default:
		metrics.RequestsTotal.WithLabelValues(enc, "bad_load").Inc()
		return d.badLoad("enc", fmt.Errorf("unsupported request encoding %q", env.Enc))
	}
	metrics.RequestsTotal.WithLabelValues(enc, "handled").Inc()
	return reply
}

func (d *Dispatcher) handleClear(ctx context.Context, env *payload.Envelope) []byte {
	load, err := payload.Loads(env.Load)
	if err != nil {
		return d.badLoad("cbor", err)
	}
	if strings.Contains(load.String("id"), "\x00") {
		return d.badLoad("id", errors.New("null byte in id"))
	}

	cmd := load.String("cmd")
	if cmd == types.CmdAuth {
		return d.auth(load)
	}

	fn, ok := d.clear[cmd]
	if !ok {
		return errorReply(fmt.Sprintf("unknown command %q", cmd))
	}
	ret, err := call(ctx, fn, load)
	if err != nil {
		return errorReply(err.Error())
	}
	return clearReply(payload.Load{"ret": ret})
}

func (d *Dispatcher) handleAES(ctx context.Context, env *payload.Envelope, peer *x509.Certificate) []byte {
	load, tc, err := d.decode(env.Load, peer, d.reg.Crypticles())
	if errors.Is(err, security.ErrDecode) && d.reg.Cluster() != nil {
		// Another master may have rotated the cluster key
		if serr := d.reg.Sync(); serr == nil {
			load, tc, err = d.decode(env.Load, peer, d.reg.Crypticles())
		}
	}
	if err != nil {
		if errors.Is(err, security.ErrIdentityMismatch) {
			log.SecurityEvent(&d.logger).
				Str("peer", security.PeerIdentity(peer)).
				Msg("Request id does not match peer certificate")
			return d.badLoad("identity", err)
		}
		return d.badLoad("decrypt", err)
	}
	if len(load) == 0 {
		return d.badLoad("empty", errors.New("request decoded to an empty load"))
	}

	id := load.String("id")
	if strings.Contains(id, "\x00") {
		return d.badLoad("id", errors.New("null byte in id"))
	}
	nonce := load.String("nonce")
	delete(load, "nonce")

	out := payload.Load{}
	cmd := load.String("cmd")
	if fn, ok := d.aes[cmd]; !ok {
		out["error"] = fmt.Sprintf("unknown command %q", cmd)
	} else if ret, err := call(ctx, fn, load); err != nil {
		d.logger.Debug().Err(err).Str("minion_id", id).Str("cmd", cmd).Msg("Handler failed")
		out["error"] = err.Error()
	} else {
		out["ret"] = ret
	}

	data, err := tc.Dumps(out, nonce, peer)
	if err != nil {
		return d.badLoad("encode", err)
	}
	return encode(&payload.Envelope{Enc: types.EncAES, Load: data, Version: payload.Version})
}

// decode tries each crypticle in turn. Only a key mismatch moves on to the
// next one; any other failure is final.
func (d *Dispatcher) decode(data []byte, peer *x509.Certificate, crypticles []*security.Crypticle) (payload.Load, *security.TLSAwareCrypticle, error) {
	var lastErr error
	for _, c := range crypticles {
		tc := security.NewTLSAwareCrypticle(c, d.policy)
		load, err := tc.Loads(data, "", peer)
		if err == nil {
			return load, tc, nil
		}
		if !errors.Is(err, security.ErrDecode) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func call(ctx context.Context, fn HandlerFunc, load payload.Load) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, load)
}

func (d *Dispatcher) badLoad(reason string, err error) []byte {
	metrics.DecodeFailuresTotal.WithLabelValues(reason).Inc()
	d.logger.Warn().Err(err).Str("reason", reason).Msg("Rejected undecodable request")
	return errorReply(BadLoad)
}

func errorReply(msg string) []byte {
	return clearReply(payload.Load{"error": msg})
}

func clearReply(load payload.Load) []byte {
	body, err := payload.Dumps(load)
	if err != nil {
		body, _ = payload.Dumps(payload.Load{"error": "failed to encode reply"})
	}
	return encode(&payload.Envelope{Enc: types.EncClear, Load: body, Version: payload.Version})
}

func encode(env *payload.Envelope) []byte {
	frame, err := payload.EncodeEnvelope(env)
	if err != nil {
		// Envelopes hold only byte strings and ints
		panic(err)
	}
	return frame
}
