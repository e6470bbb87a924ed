package auth

import (
	"context"

	"github.com/cuemby/brine/pkg/metrics"
)

// Result is the outcome of an asynchronous sign-in
type Result struct {
	Creds *Credentials
	Err   error
}

// AsyncAuth is the non-blocking handshake client
type AsyncAuth struct {
	*handshake
}

// NewAsyncAuth creates a non-blocking client
func NewAsyncAuth(opts Options) (*AsyncAuth, error) {
	h, err := newHandshake(opts)
	if err != nil {
		return nil, err
	}
	return &AsyncAuth{handshake: h}, nil
}

// Authenticate starts a sign-in, or joins the one in flight for the same
// identity and master. The channel yields exactly one Result. A caller
// whose ctx ends stops waiting; the shared sign-in keeps running under
// the ctx of the caller that started it.
func (a *AsyncAuth) Authenticate(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	ch := a.opts.Cache.group.DoChan(a.key.String(), func() (any, error) {
		return a.authenticate(ctx)
	})

	go func() {
		select {
		case r := <-ch:
			if r.Shared {
				metrics.SignInsCoalesced.Inc()
			}
			creds, _ := r.Val.(*Credentials)
			out <- Result{Creds: creds, Err: r.Err}
		case <-ctx.Done():
			out <- Result{Err: ctx.Err()}
		}
	}()
	return out
}
