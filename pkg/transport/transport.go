package transport

import (
	"context"
	"crypto/x509"
	"errors"
)

// ErrClosed is returned by operations on a closed connection or listener
var ErrClosed = errors.New("transport: closed")

// Conn is a framed, bidirectional byte channel between two principals
type Conn interface {
	// Send writes one frame
	Send(ctx context.Context, frame []byte) error

	// Receive reads the next frame
	Receive(ctx context.Context) ([]byte, error)

	// PeerCertificate returns the verified TLS certificate of the remote
	// end, or nil when the connection is not mutually authenticated
	PeerCertificate() *x509.Certificate

	// Close releases the connection. Pending and later operations fail
	// with ErrClosed.
	Close() error
}

// Listener hands out server-side connections
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer opens a new client-side connection
type Dialer func(ctx context.Context) (Conn, error)

// Request sends frame and waits for the reply
func Request(ctx context.Context, conn Conn, frame []byte) ([]byte, error) {
	if err := conn.Send(ctx, frame); err != nil {
		return nil, err
	}
	return conn.Receive(ctx)
}
