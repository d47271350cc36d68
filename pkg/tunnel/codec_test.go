package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	cases := []*TunnelMessage{
		{TunnelID: "t1", Event: EventProxyCreated, Port: 17001, UseIPv4: true, RemotePort: 9000},
		{TunnelID: "t1", Event: EventProxyError, Port: 17001, UseIPv4: false, RemotePort: 9000, Error: "bind failed"},
		{TunnelID: "t1", Event: EventConnection, ClientID: 7},
		{TunnelID: "t1", Event: EventData, ClientID: 7, Arg: []byte("hello")},
		{TunnelID: "t1", Event: EventEnd, ClientID: 7},
		{TunnelID: "t1", Event: EventClose, ClientID: 7},
		{TunnelID: "t1", Event: EventTimeout, ClientID: 7},
		{TunnelID: "t1", Event: EventError, ClientID: 7, Arg: []byte("connection reset")},
		{TunnelID: "t1", Event: EventProxyClosed},
	}

	for _, m := range cases {
		frame, err := Encode(m)
		require.NoError(t, err)

		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestCodecBinaryArgSurvivesRoundTrip(t *testing.T) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	m := &TunnelMessage{TunnelID: "t1", Event: EventData, ClientID: 1, Arg: payload}

	frame, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Arg)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"tunnelId":"t1"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"event":"data"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
