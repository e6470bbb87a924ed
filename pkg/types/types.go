package types

import (
	"time"
)

// Role identifies which side of a connection a principal plays
type Role string

const (
	RoleMaster Role = "master"
	RoleMinion Role = "minion"
)

// KeyStatus is the acceptance state of a minion public key on a master
type KeyStatus string

const (
	KeyStatusPending  KeyStatus = "pending"
	KeyStatusAccepted KeyStatus = "accepted"
	KeyStatusRejected KeyStatus = "rejected"
	KeyStatusDenied   KeyStatus = "denied"
)

// AllKeyStatuses lists every status in display order
var AllKeyStatuses = []KeyStatus{
	KeyStatusAccepted,
	KeyStatusPending,
	KeyStatusRejected,
	KeyStatusDenied,
}

// AcceptedKeyRecord is a minion public key known to a master
type AcceptedKeyRecord struct {
	ID        string
	PublicKey string // PEM, normalized with security.CleanKey
	Status    KeyStatus
}

// SessionKeySet is the master's symmetric session key state.
// Exactly one Current key exists per Epoch; Previous is kept for in-flight
// messages encrypted before the last rotation.
type SessionKeySet struct {
	Current   string    `json:"current"`
	Previous  string    `json:"previous,omitempty"`
	Epoch     uint64    `json:"epoch"`
	RotatedAt time.Time `json:"rotated_at"`
}

// Enc is the framing kind of a wire envelope
type Enc string

const (
	// EncClear is unauthenticated handshake content
	EncClear Enc = "clear"
	// EncPub is RSA-enveloped session key material
	EncPub Enc = "pub"
	// EncAES is Crypticle or TLS-aware protected content
	EncAES Enc = "aes"
)

// Sign-in reply values carried in the "ret" field of a clear reply
const (
	SignInFull = "full"
)

// Commands recognised by the dispatcher on the clear channel
const (
	CmdAuth = "_auth"
)
