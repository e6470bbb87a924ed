package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/brine/pkg/types"
)

func TestLoadsDecodesStringKeys(t *testing.T) {
	data, err := Dumps(Load{
		"cmd":    "_auth",
		"id":     "web1",
		"serial": 42,
		"neg":    -3,
		"raw":    []byte{1, 2, 3},
		"nested": map[string]any{"ok": true},
	})
	require.NoError(t, err)

	load, err := Loads(data)
	require.NoError(t, err)

	assert.Equal(t, "_auth", load.String("cmd"))
	assert.Equal(t, "", load.String("serial"), "non-string values read as empty")
	assert.Equal(t, []byte{1, 2, 3}, load.Bytes("raw"))

	n, ok := load.Int("serial")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
	n, ok = load.Int("neg")
	assert.True(t, ok)
	assert.Equal(t, int64(-3), n)
	_, ok = load.Int("cmd")
	assert.False(t, ok)

	nested, ok := load["nested"].(map[string]any)
	require.True(t, ok, "nested maps decode with string keys")
	assert.Equal(t, true, nested["ok"])

	assert.True(t, load.Has("id"))
	assert.False(t, load.Has("token"))
}

func TestDumpsDeterministic(t *testing.T) {
	a, err := Dumps(Load{"a": 1, "b": "two", "c": []byte("x")})
	require.NoError(t, err)
	b, err := Dumps(Load{"c": []byte("x"), "b": "two", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLoadsRejectsNonMap(t *testing.T) {
	data, err := Marshal([]string{"not", "a", "map"})
	require.NoError(t, err)
	_, err = Loads(data)
	assert.Error(t, err)

	nilData, err := Marshal(nil)
	require.NoError(t, err)
	load, err := Loads(nilData)
	require.NoError(t, err)
	assert.NotNil(t, load)
	assert.Empty(t, load)
}

func TestEnvelope(t *testing.T) {
	frame, err := EncodeEnvelope(&Envelope{Enc: types.EncAES, Load: []byte("sealed"), Version: Version})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, types.EncAES, env.Enc)
	assert.Equal(t, []byte("sealed"), env.Load)
	assert.Nil(t, env.Sig)
	assert.Equal(t, Version, env.Version)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "garbage", frame: []byte{0xff, 0x00, 0x13}},
		{name: "empty", frame: nil},
		{name: "unknown enc", frame: mustEnvelope(t, &Envelope{Enc: "rot13", Load: []byte("x")})},
		{name: "missing enc", frame: mustEnvelope(t, &Envelope{Load: []byte("x")})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tt.frame)
			assert.Error(t, err)
		})
	}
}

func mustEnvelope(t *testing.T, env *Envelope) []byte {
	t.Helper()
	frame, err := EncodeEnvelope(env)
	require.NoError(t, err)
	return frame
}
