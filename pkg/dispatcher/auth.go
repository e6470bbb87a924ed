package dispatcher

import (
	"errors"

	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/payload"
	"github.com/cuemby/brine/pkg/security"
	"github.com/cuemby/brine/pkg/types"
)

// auth answers a minion's _auth request. Every reply is signed with the
// master identity key and carries the request nonce and pub_key.
//
//	accepted          {enc: pub, aes, sig, token?, session_id, publish_port}
//	pending           {ret: true}
//	rejected, denied  {ret: false}
//	max_minions       {ret: "full"}
func (d *Dispatcher) auth(load payload.Load) []byte {
	id := load.String("id")
	pub := load.String("pub")
	nonce := load.String("nonce")
	logger := d.logger.With().Str("minion_id", id).Logger()

	if !master.ValidID(id) || pub == "" {
		logger.Info().Msg("Authentication failed, invalid id or missing key")
		return d.signed(payload.Load{"ret": false}, nonce)
	}

	decision, err := d.reg.Authorize(id, pub)
	if err != nil {
		if errors.Is(err, security.ErrInvalidKey) || errors.Is(err, master.ErrInvalidMinionID) {
			logger.Info().Err(err).Msg("Authentication failed, bad key")
			return d.signed(payload.Load{"ret": false}, nonce)
		}
		logger.Error().Err(err).Msg("Authentication failed")
		return errorReply("internal error")
	}

	switch decision {
	case master.DecisionAccept:
	case master.DecisionPending:
		return d.signed(payload.Load{"ret": true}, nonce)
	case master.DecisionFull:
		return d.signed(payload.Load{"ret": types.SignInFull}, nonce)
	default:
		return d.signed(payload.Load{"ret": false}, nonce)
	}

	minionPub, err := security.ParsePublicKey([]byte(pub))
	if err != nil {
		return d.signed(payload.Load{"ret": false}, nonce)
	}

	aes := d.reg.CurrentSessionKey()
	sealed, err := security.EncryptOAEP(minionPub, []byte(aes))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encrypt session key")
		return errorReply("internal error")
	}
	proof, err := d.reg.Keys().Sign(security.KeyDigest(aes))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to sign session key")
		return errorReply("internal error")
	}

	ret := payload.Load{
		"enc":          string(types.EncPub),
		"aes":          sealed,
		"sig":          proof,
		"session_id":   security.SessionID(aes),
		"publish_port": d.reg.Config().PublishPort,
	}

	// Echo the minion's token to prove we hold the key it pinned. A token
	// sealed to another key is left out and the minion fails the check.
	if token := load.Bytes("token"); len(token) > 0 {
		plain, err := d.reg.Keys().DecryptToken(token)
		if err != nil {
			logger.Warn().Msg("Minion token was not sealed to this master key")
		} else if echo, err := security.EncryptOAEP(minionPub, plain); err == nil {
			ret["token"] = echo
		}
	}
	return d.signed(ret, nonce)
}

func (d *Dispatcher) signed(ret payload.Load, nonce string) []byte {
	pubPEM, err := d.reg.Keys().PublicPEM()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to encode master public key")
		return errorReply("internal error")
	}
	ret["pub_key"] = pubPEM
	ret["nonce"] = nonce

	body, err := payload.Dumps(ret)
	if err != nil {
		return errorReply("internal error")
	}
	sig, err := d.reg.Keys().Sign(body)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to sign reply")
		return errorReply("internal error")
	}
	return encode(&payload.Envelope{Enc: types.EncClear, Load: body, Sig: sig, Version: payload.Version})
}
