/*
Package auth implements the minion side of the handshake with a master.

A sign-in sends a clear _auth request carrying the minion id, its public
key and a fresh nonce. The master replies with a signed bundle: its public
key, the session key sealed to the minion key, and a signature over the
session key digest. The minion checks, in order: the nonce, the reply
signature, master_finger, the pinned master key, and when a token was sent,
the token echo. Identity failures are final and never retried.

The first key a master presents is pinned under
{pki_dir}/minion_master/{addr}.pub.

SAuth blocks and AsyncAuth returns a channel. Both share a
CredentialsCache, so concurrent sign-ins for the same identity and master
run once.

ReqChannel sends session-key requests and signs in again once when the
master answers "bad load", which is how a rotation surfaces on the minion.
*/
package auth
