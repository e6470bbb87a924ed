/*
Package transport moves opaque frames between principals.

The session layer only needs Send, Receive and, for TLS-aware framing, the
verified peer certificate of the connection. Two implementations exist:

  - Pipe and MemListener, in-memory connections used by tests and by
    embedded setups
  - ListenGRPC and DialGRPC, one bidirectional gRPC stream per connection
    carrying google.protobuf.BytesValue messages, with optional mutual TLS

Request pairs a Send with the following Receive.
*/
package transport
