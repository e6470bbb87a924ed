package auth

import (
	"context"
	"errors"

	"github.com/cuemby/brine/pkg/metrics"
)

// SAuth is the blocking handshake client
type SAuth struct {
	*handshake
}

// NewSAuth creates a blocking client, generating the minion keypair if
// needed
func NewSAuth(opts Options) (*SAuth, error) {
	h, err := newHandshake(opts)
	if err != nil {
		return nil, err
	}
	return &SAuth{handshake: h}, nil
}

// Authenticate signs in and returns the installed credentials. Concurrent
// callers for the same identity and master share one sign-in, which runs
// under the first caller's ctx.
func (a *SAuth) Authenticate(ctx context.Context) (*Credentials, error) {
	v, err, shared := a.opts.Cache.group.Do(a.key.String(), func() (any, error) {
		return a.authenticate(ctx)
	})
	if shared {
		metrics.SignInsCoalesced.Inc()
	}
	if err != nil {
		return nil, err
	}
	creds, ok := v.(*Credentials)
	if !ok {
		return nil, errors.New("sign-in returned no credentials")
	}
	return creds, nil
}
