package payload

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/cuemby/brine/pkg/types"
)

// Version is the envelope version written by this implementation.
// Version 2 and above signs clear replies and binds reply nonces.
const Version = 2

// Load is a decoded structured message
type Load map[string]any

// Envelope is the outer frame exchanged over a transport
type Envelope struct {
	Enc     types.Enc `cbor:"enc"`
	Load    []byte    `cbor:"load"`
	Sig     []byte    `cbor:"sig,omitempty"`
	Version int       `cbor:"version,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("payload: CBOR encoder initialization failed: " + err.Error())
	}

	// Messages only ever use string keys. Decoding into any must yield
	// map[string]any rather than CBOR's default map[any]any.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("payload: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Dumps encodes a Load
func Dumps(load Load) ([]byte, error) {
	return Marshal(load)
}

// Loads decodes data that must hold a CBOR map
func Loads(data []byte) (Load, error) {
	var load Load
	if err := Unmarshal(data, &load); err != nil {
		return nil, fmt.Errorf("failed to decode load: %w", err)
	}
	if load == nil {
		load = Load{}
	}
	return load, nil
}

// EncodeEnvelope serializes an envelope for the wire
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire frame. Random bytes can occasionally decode
// as valid CBOR, so the framing kind is validated as well.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch env.Enc {
	case types.EncClear, types.EncPub, types.EncAES:
	default:
		return nil, fmt.Errorf("unknown envelope encoding %q", env.Enc)
	}
	return &env, nil
}

// String returns the string stored under key, or "" when absent or not a string
func (l Load) String(key string) string {
	s, _ := l[key].(string)
	return s
}

// Bytes returns the byte string stored under key
func (l Load) Bytes(key string) []byte {
	b, _ := l[key].([]byte)
	return b
}

// Int returns the integer stored under key. CBOR decodes unsigned integers
// as uint64 and negative ones as int64 when the target is any.
func (l Load) Int(key string) (int64, bool) {
	switch v := l[key].(type) {
	case uint64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Has reports whether key is present
func (l Load) Has(key string) bool {
	_, ok := l[key]
	return ok
}
