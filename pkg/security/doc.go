/*
Package security provides the cryptographic primitives of the brine session
protocol: principal keypairs, the Crypticle symmetric envelope, the
TLS-aware variant that skips AES on verified mutual-TLS links, and a small
certificate authority for the transport certificates.

# Keys

Every principal (master or minion) owns an RSA keypair on disk:

	{pki_dir}/{name}.pem   private key, mode 0400
	{pki_dir}/{name}.pub   public key, mode 0644

EnsureKeypair creates both files through temp files and renames, private key
last, so a reader never finds a private key without its public half. Key
text is compared after CleanKey, which folds CRLF and CR into LF.

Signatures use RSASSA-PKCS1-v1_5 over SHA-256. Session keys travel to a
minion wrapped with RSA-OAEP (SHA-256) under the minion's public key.

# Crypticle

A session key string is base64(aesKey || hmacKey). Messages are framed as

	pad marker || "[" nonce "]" || cbor(message)

then encrypted with AES-CBC under a random IV and authenticated with
HMAC-SHA256 over IV and ciphertext:

	┌──────────┬───────────────────────────┬──────────────┐
	│ IV (16)  │ AES-CBC(framed plaintext) │ HMAC-SHA256  │
	└──────────┴───────────────────────────┴──────────────┘

The MAC is checked in constant time before any decryption. A nonce mismatch
is ErrNonceVerification. A message carrying a "serial" not newer than the
last one seen decodes to an empty load.

# TLS-aware framing

When TLSPolicy.Allowed and the connection carries a verified peer
certificate, TLSAwareCrypticle sends the framed plaintext behind a fixed
marker instead of encrypting it. A receiver whose own policy does not allow
this answers a marker-tagged message with an empty load and no error.
Plain Crypticle messages always decode.

The principal id of a TLS peer is its certificate CommonName. Certificates
are issued by CertAuthority with CN set to the id and OU set to the role.
*/
package security
