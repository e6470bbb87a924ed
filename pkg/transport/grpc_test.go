package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/storage"
	"github.com/cuemby/brine/pkg/types"
)

func echoServer(ctx context.Context, l Listener) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			return
		}
		go func(c Conn) {
			defer c.Close()
			for {
				frame, err := c.Receive(ctx)
				if err != nil {
					return
				}
				peer := "anonymous"
				if cert := c.PeerCertificate(); cert != nil {
					peer = cert.Subject.CommonName
				}
				if err := c.Send(ctx, append([]byte(peer+":"), frame...)); err != nil {
					return
				}
			}
		}(conn)
	}
}

func TestGRPCLoopbackPlaintext(t *testing.T) {
	ctx := testCtx(t)

	l, err := ListenGRPC("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer l.Close()
	go echoServer(ctx, l)

	conn, err := DialGRPC(ctx, l.Addr().String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{"one", "two", ""} {
		reply, err := Request(ctx, conn, []byte(msg))
		require.NoError(t, err)
		assert.Equal(t, "anonymous:"+msg, string(reply))
	}
	assert.Nil(t, conn.PeerCertificate())
}

func TestGRPCLoopbackMutualTLS(t *testing.T) {
	ctx := testCtx(t)

	ca := security.NewCertAuthority(storage.NewMemoryStore())
	require.NoError(t, ca.Initialize("brine-test"))

	masterCert, err := ca.IssuePrincipalCertificate("master", types.RoleMaster, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	minionCert, err := ca.IssuePrincipalCertificate("web01", types.RoleMinion, nil, nil)
	require.NoError(t, err)

	serverCfg, err := security.ServerTLSConfig(masterCert, ca.RootCert(), security.CertReqsRequired)
	require.NoError(t, err)

	l, err := ListenGRPC("127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer l.Close()
	go echoServer(ctx, l)

	clientCfg := security.ClientTLSConfig(minionCert, ca.RootCert(), "localhost")
	conn, err := DialGRPC(ctx, l.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := Request(ctx, conn, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "web01:ping", string(reply))

	require.NotNil(t, conn.PeerCertificate())
	assert.Equal(t, "master", conn.PeerCertificate().Subject.CommonName)
}

func TestGRPCDialTimeout(t *testing.T) {
	// Reserve a port and release it so nothing is listening there
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = DialGRPC(ctx, addr, nil)
	assert.Error(t, err)
}

func TestGRPCServerCloseEndsConn(t *testing.T) {
	ctx := testCtx(t)

	l, err := ListenGRPC("127.0.0.1:0", nil)
	require.NoError(t, err)

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := DialGRPC(ctx, l.Addr().String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}

	require.NoError(t, server.Close())

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	l.Close()
}
