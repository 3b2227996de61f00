package fog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshallerAuthenticatesSameCredentials(t *testing.T) {
	src := NewNodeID()
	sender := NewMarshaller(src, "workrave", "s3cr3t")
	receiver := NewMarshaller(NewNodeID(), "workrave", "s3cr3t")

	env := &Envelope{Domain: 4, Type: -2, Payload: []byte("break started")}
	body, err := sender.Marshal(env)
	require.NoError(t, err)
	require.Equal(t, src, env.Source)
	require.NotZero(t, env.Seq)

	got, err := receiver.Unmarshal(body)
	require.NoError(t, err)
	require.True(t, got.Authentic)
	require.Equal(t, src, got.Source)
	require.Equal(t, env.Seq, got.Seq)
	require.Equal(t, int32(4), got.Domain)
	require.Equal(t, int32(-2), got.Type)
	require.Equal(t, []byte("break started"), got.Payload)
}

func TestMarshallerRejectsForeignCredentials(t *testing.T) {
	body, err := NewMarshaller(NewNodeID(), "workrave", "s3cr3t").Marshal(&Envelope{Domain: 1, Type: 1})
	require.NoError(t, err)

	for name, m := range map[string]*Marshaller{
		"other secret":   NewMarshaller(NewNodeID(), "workrave", "guess"),
		"other username": NewMarshaller(NewNodeID(), "intruder", "s3cr3t"),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := m.Unmarshal(body)
			require.NoError(t, err)
			require.False(t, got.Authentic)
		})
	}
}

func TestMarshallerDetectsTampering(t *testing.T) {
	m := NewMarshaller(NewNodeID(), "u", "s")
	body, err := m.Marshal(&Envelope{Domain: 1, Type: 1, Payload: []byte("abc")})
	require.NoError(t, err)

	body[len(body)-1] ^= 0xFF
	got, err := m.Unmarshal(body)
	require.NoError(t, err)
	require.False(t, got.Authentic)
}

func TestMarshallerForwardKeepsSource(t *testing.T) {
	origin := NewMarshaller(NewNodeID(), "u", "s")
	relay := NewMarshaller(NewNodeID(), "u", "s")

	env := &Envelope{Domain: 2, Type: 3, Payload: []byte("x")}
	_, err := origin.Marshal(env)
	require.NoError(t, err)

	relayed := &Envelope{Source: env.Source, Seq: env.Seq, Domain: 2, Type: 3, Payload: []byte("xy")}
	body, err := relay.Marshal(relayed)
	require.NoError(t, err)

	got, err := NewMarshaller(NewNodeID(), "u", "s").Unmarshal(body)
	require.NoError(t, err)
	require.True(t, got.Authentic)
	require.Equal(t, env.Source, got.Source)
	require.Equal(t, env.Seq, got.Seq)
}

func TestMarshallerMalformedInput(t *testing.T) {
	m := NewMarshaller(NewNodeID(), "u", "s")
	body, err := m.Marshal(&Envelope{Domain: 1, Type: 1, Payload: []byte("payload")})
	require.NoError(t, err)

	_, err = m.Unmarshal(body[:5])
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = m.Unmarshal(body[:len(body)-3])
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	versioned := append([]byte(nil), body...)
	versioned[0] = 9
	_, err = m.Unmarshal(versioned)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestMarshallerUnsignedIsNotAuthentic(t *testing.T) {
	m := NewMarshaller(NewNodeID(), "u", "s")
	body, err := m.Marshal(&Envelope{Domain: 1, Type: 1})
	require.NoError(t, err)

	body[1] = 0
	got, err := m.Unmarshal(body)
	require.NoError(t, err)
	require.False(t, got.Authentic)
}
