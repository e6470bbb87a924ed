package transport

import (
	"context"
	"crypto/x509"
	"sync"
)

const pipeBuffer = 16

// pipeEnd is one side of an in-memory connection
type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	peer *x509.Certificate

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory ends. The client end reports
// serverCert as its peer certificate, and the server end reports
// clientCert. Closing either end closes both.
func Pipe(clientCert, serverCert *x509.Certificate) (client, server Conn) {
	c2s := make(chan []byte, pipeBuffer)
	s2c := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	client = &pipeEnd{in: s2c, out: c2s, peer: serverCert, done: done, closeOnce: once}
	server = &pipeEnd{in: c2s, out: s2c, peer: clientCert, done: done, closeOnce: once}
	return client, server
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	// Check closure first so a closed pipe never accepts a frame into
	// a free buffer slot
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), frame...)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) PeerCertificate() *x509.Certificate {
	return p.peer
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// MemListener accepts in-memory connections created by Dial
type MemListener struct {
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemListener creates an in-memory listener
func NewMemListener() *MemListener {
	return &MemListener{
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
}

// Dial connects a new client to the listener
func (l *MemListener) Dial(ctx context.Context, clientCert, serverCert *x509.Certificate) (Conn, error) {
	client, server := Pipe(clientCert, serverCert)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dialer returns a Dialer bound to fixed certificates
func (l *MemListener) Dialer(clientCert, serverCert *x509.Certificate) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return l.Dial(ctx, clientCert, serverCert)
	}
}

func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
