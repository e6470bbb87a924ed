package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/brine/pkg/log"
)

const exchangeMethod = "/brine.Transport/Exchange"

// exchangeServer is implemented by GRPCListener
type exchangeServer interface {
	exchange(stream grpc.ServerStream) error
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchangeServer).exchange(stream)
}

// Frames travel as google.protobuf.BytesValue messages on a single
// bidirectional stream per connection.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "brine.Transport",
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "brine/transport.proto",
}

// GRPCListener serves brine connections over gRPC streams
type GRPCListener struct {
	server *grpc.Server
	lis    net.Listener
	conns  chan Conn
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// ListenGRPC starts a gRPC transport on addr. A nil tlsCfg serves
// plaintext.
func ListenGRPC(addr string, tlsCfg *tls.Config) (*GRPCListener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	l := &GRPCListener{
		lis:    lis,
		conns:  make(chan Conn),
		done:   make(chan struct{}),
		logger: log.WithComponent("transport"),
	}

	opts := []grpc.ServerOption{grpc.StreamInterceptor(l.streamInterceptor())}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	l.server = grpc.NewServer(opts...)
	l.server.RegisterService(&transportServiceDesc, l)

	go func() {
		if err := l.server.Serve(lis); err != nil {
			l.logger.Error().Err(err).Msg("gRPC transport stopped")
		}
	}()

	l.logger.Info().Str("addr", lis.Addr().String()).Bool("tls", tlsCfg != nil).Msg("gRPC transport listening")
	return l, nil
}

// Addr returns the bound address
func (l *GRPCListener) Addr() net.Addr {
	return l.lis.Addr()
}

func (l *GRPCListener) exchange(stream grpc.ServerStream) error {
	conn := newStreamConn(stream, nil, serverPeer(stream.Context()))

	select {
	case l.conns <- conn:
	case <-l.done:
		return ErrClosed
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	// Returning ends the stream, so hold it until either side closes
	select {
	case <-conn.done:
	case <-stream.Context().Done():
		conn.Close()
	case <-l.done:
		conn.Close()
	}
	return nil
}

func (l *GRPCListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *GRPCListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.server.Stop()
	})
	return nil
}

// serverPeer extracts the verified client certificate of a stream
func serverPeer(ctx context.Context) *x509.Certificate {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.VerifiedChains) == 0 || len(info.State.PeerCertificates) == 0 {
		return nil
	}
	return info.State.PeerCertificates[0]
}

// DialGRPC opens a connection to a gRPC transport. A nil tlsCfg dials
// plaintext.
func DialGRPC(ctx context.Context, addr string, tlsCfg *tls.Config) (Conn, error) {
	var peerCert atomic.Pointer[x509.Certificate]

	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		cfg := tlsCfg.Clone()
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) > 0 {
				peerCert.Store(cs.PeerCertificates[0])
			}
			return nil
		}
		creds = credentials.NewTLS(cfg)
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	// The stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	stream, err := cc.NewStream(streamCtx, &transportServiceDesc.Streams[0], exchangeMethod, grpc.WaitForReady(true))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}

	conn := newStreamConn(stream, func() {
		cancel()
		cc.Close()
	}, nil)
	conn.peerFn = peerCert.Load
	return conn, nil
}

// msgStream is the part of grpc.ServerStream and grpc.ClientStream that
// streamConn uses
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamConn adapts a gRPC stream to Conn
type streamConn struct {
	stream  msgStream
	cleanup func()
	peer    *x509.Certificate
	peerFn  func() *x509.Certificate

	sendMu sync.Mutex
	recvCh chan []byte

	errMu sync.Mutex
	err   error

	done chan struct{}
	once sync.Once
}

func newStreamConn(stream msgStream, cleanup func(), peerCert *x509.Certificate) *streamConn {
	c := &streamConn{
		stream:  stream,
		cleanup: cleanup,
		peer:    peerCert,
		recvCh:  make(chan []byte, pipeBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *streamConn) readLoop() {
	defer c.Close()
	for {
		msg := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(msg); err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
		select {
		case c.recvCh <- msg.GetValue():
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(frame)); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *streamConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recvCh:
		return frame, nil
	case <-c.done:
		// Drain frames that arrived before the stream ended
		select {
		case frame := <-c.recvCh:
			return frame, nil
		default:
		}
		c.errMu.Lock()
		err := c.err
		c.errMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamConn) PeerCertificate() *x509.Certificate {
	if c.peerFn != nil {
		return c.peerFn()
	}
	return c.peer
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return nil
}
