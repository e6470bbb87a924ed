package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/cuemby/brine/pkg/payload"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/transport"
	"github.com/cuemby/brine/pkg/types"
)

// badLoad is the master's reply to a request it could not decode
const badLoad = "bad load"

var (
	errReauth   = errors.New("master could not decode request")
	errConnLost = errors.New("connection to master lost")
)

// ReqChannel sends authenticated requests to one master over a single
// reused connection. Requests are serialized.
type ReqChannel struct {
	auth *SAuth

	mu   sync.Mutex
	conn transport.Conn
}

// NewReqChannel creates a channel that signs in through auth
func NewReqChannel(auth *SAuth) *ReqChannel {
	return &ReqChannel{auth: auth}
}

// Send seals load under the session key and returns the master's ret.
// When the master cannot decode the request, which happens after it
// rotated past our key, the channel signs in again and retries once.
func (c *ReqChannel) Send(ctx context.Context, load payload.Load) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.auth.Creds() == nil {
		c.reset()
		if _, err := c.auth.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	ret, err := c.send(ctx, load)
	if !errors.Is(err, errReauth) {
		return ret, err
	}

	c.auth.logger.Info().Msg("Master rejected request, signing in again")
	// Sign-in dials its own connection; free the worker holding ours
	c.reset()
	c.auth.Invalidate()
	if _, err := c.auth.Authenticate(ctx); err != nil {
		return nil, err
	}
	ret, err = c.send(ctx, load)
	if errors.Is(err, errReauth) {
		return nil, fmt.Errorf("%w: %s", ErrRemote, badLoad)
	}
	return ret, err
}

// send retries once on a fresh connection when a reused one turns out to be
// gone, which is what a master does with connections it found idle
func (c *ReqChannel) send(ctx context.Context, load payload.Load) (any, error) {
	reused := c.conn != nil
	ret, err := c.exchange(ctx, load)
	if reused && errors.Is(err, errConnLost) && ctx.Err() == nil {
		c.auth.logger.Debug().Err(err).Msg("Connection lost, redialing")
		return c.exchange(ctx, load)
	}
	return ret, err
}

func (c *ReqChannel) exchange(ctx context.Context, load payload.Load) (any, error) {
	tc, err := c.auth.Crypticle()
	if err != nil {
		return nil, err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	peer := conn.PeerCertificate()

	msg := maps.Clone(load)
	if msg == nil {
		msg = payload.Load{}
	}
	nonce := security.NewNonce()
	msg["id"] = c.auth.opts.ID
	msg["nonce"] = nonce

	data, err := tc.Dumps(msg, "", peer)
	if err != nil {
		return nil, err
	}
	frame, err := payload.EncodeEnvelope(&payload.Envelope{Enc: types.EncAES, Load: data, Version: payload.Version})
	if err != nil {
		return nil, err
	}

	reply, err := transport.Request(ctx, conn, frame)
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("%w: %w", errConnLost, err)
	}
	env, err := payload.DecodeEnvelope(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", security.ErrDecode, err)
	}

	switch env.Enc {
	case types.EncClear:
		rl, err := payload.Loads(env.Load)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", security.ErrDecode, err)
		}
		if msg := rl.String("error"); msg == badLoad {
			return nil, errReauth
		} else if msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, msg)
		}
		return rl["ret"], nil

	case types.EncAES:
		rl, err := tc.Loads(env.Load, nonce, peer)
		if err != nil {
			return nil, err
		}
		if len(rl) == 0 {
			return nil, fmt.Errorf("%w: reply decoded to an empty load", security.ErrDecode)
		}
		if msg := rl.String("error"); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, msg)
		}
		return rl["ret"], nil
	}
	return nil, fmt.Errorf("%w: unexpected reply encoding %q", security.ErrDecode, env.Enc)
}

func (c *ReqChannel) connect(ctx context.Context) (transport.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.auth.opts.Dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *ReqChannel) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the connection
func (c *ReqChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}
