/*
Package dispatcher serves minion requests on a master.

A Dispatcher turns each request frame into exactly one reply frame:

	clear  _auth        signed reply from the key registry
	clear  other cmd    ClearFuncs
	aes    any cmd      AESFuncs, reply sealed under the key that decoded
	                    the request and bound to the request nonce

Requests that fail to decode get a clear {error: "bad load"} reply; minions
re-authenticate on it. An aes request is tried against the current session
key and then the previous one while it is within grace.

A Pool accepts connections from a transport.Listener and gives each one a
reader goroutine. Readers hand frames to a fixed set of workers, so the
worker count bounds concurrent request handling, not the number of
connected minions. Connections that stay silent past the idle timeout are
closed.
*/
package dispatcher
