package websocket

import (
	"testing"
	"time"

	"github.com/bhandras/deltarun/internal/crypto"
	"github.com/bhandras/deltarun/internal/wire"
	"github.com/stretchr/testify/require"
)

type bufferLike struct{ b []byte }

func (b bufferLike) Bytes() []byte { return b.b }

func TestBackPayload(t *testing.T) {
	encoded, err := wire.EncodeBackMsg(&wire.BackMsg{Type: wire.BackStopScript})
	require.NoError(t, err)

	cases := []struct {
		name string
		arg  any
	}{
		{name: "bytes", arg: encoded},
		{name: "buffer", arg: bufferLike{encoded}},
		{name: "json string", arg: `{"type":"stop_script"}`},
		{name: "object", arg: map[string]any{"type": "stop_script"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := backPayload([]any{tc.arg})
			require.NoError(t, err)
			msg, err := wire.DecodeBackMsg(raw)
			require.NoError(t, err)
			require.Equal(t, wire.BackStopScript, msg.Type)
		})
	}

	_, err = backPayload(nil)
	require.ErrorIs(t, err, errNoPayload)
	_, err = backPayload([]any{"{not json"})
	require.Error(t, err)
}

func TestSocketIOAuthenticate(t *testing.T) {
	anon := &SocketIOServer{}
	info, err := anon.authenticate(nil)
	require.NoError(t, err)
	require.Empty(t, info.UserID)

	jwt, err := crypto.NewJWTManager("secret")
	require.NoError(t, err)
	s := &SocketIOServer{jwtManager: jwt}

	_, err = s.authenticate(map[string]any{})
	require.Error(t, err)
	_, err = s.authenticate(map[string]any{"token": "garbage"})
	require.Error(t, err)

	token, err := jwt.CreateToken("u1", "u1@example.com", time.Hour)
	require.NoError(t, err)
	info, err = s.authenticate(map[string]any{"token": token})
	require.NoError(t, err)
	require.Equal(t, "u1", info.UserID)
	require.Equal(t, "u1@example.com", info.Email)
}
