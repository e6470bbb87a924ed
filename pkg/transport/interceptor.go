package transport

import (
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/cuemby/brine/pkg/metrics"
)

// streamInterceptor admits only the exchange stream and tracks open
// streams. Streams arriving after Close are refused.
func (l *GRPCListener) streamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !isExchangeMethod(info.FullMethod) {
			return status.Errorf(codes.PermissionDenied, "method %s not served by the brine transport", info.FullMethod)
		}

		select {
		case <-l.done:
			return status.Error(codes.Unavailable, "listener closed")
		default:
		}

		addr := "unknown"
		if p, ok := peer.FromContext(ss.Context()); ok {
			addr = p.Addr.String()
		}

		metrics.TransportStreams.Inc()
		defer metrics.TransportStreams.Dec()

		l.logger.Debug().Str("peer", addr).Msg("Stream opened")
		err := handler(srv, ss)
		l.logger.Debug().Str("peer", addr).Err(err).Msg("Stream closed")
		return err
	}
}

// isExchangeMethod matches "/brine.Transport/Exchange"
func isExchangeMethod(method string) bool {
	parts := strings.Split(method, "/")
	if len(parts) != 3 {
		return false
	}
	return parts[1] == transportServiceDesc.ServiceName && parts[2] == transportServiceDesc.Streams[0].StreamName
}
