package securechannel

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"scan/pkg/scanerr"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigningKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := elliptic.Marshal(elliptic.P256(), key.X, key.Y)
	return key, pub
}

func TestBuildHelloVerifies(t *testing.T) {
	signingKey, signingPub := newSigningKey(t)
	_, hello, err := BuildHello("session-1", "scan-dev-1", "ab"+"cd", signingKey, signingPub)
	require.NoError(t, err)

	gotPub, err := VerifyHello(hello)
	require.NoError(t, err)
	assert.Equal(t, signingKey.PublicKey.X, gotPub.X)
	assert.Equal(t, signingKey.PublicKey.Y, gotPub.Y)
}

func TestVerifyHelloRejectsTamperedPayload(t *testing.T) {
	signingKey, signingPub := newSigningKey(t)
	_, hello, err := BuildHello("session-1", "scan-dev-1", "abcd", signingKey, signingPub)
	require.NoError(t, err)

	hello.SessionID = "session-evil"
	_, err = VerifyHello(hello)
	require.Error(t, err)
	var se *scanerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, scanerr.KindHandshakeMismatch, se.Kind)
}

func TestCompleteHandshakeRejectsProtocolMismatch(t *testing.T) {
	signingKey, signingPub := newSigningKey(t)
	hs, _, err := BuildHello("session-1", "scan-dev-1", "abcd", signingKey, signingPub)
	require.NoError(t, err)

	serverKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	ack := &Ack{
		Protocol:                    "wrong-protocol",
		SessionID:                   "session-1",
		ServerEphemeralPublicKeyB64: base64.StdEncoding.EncodeToString(serverKey.PublicKey().Bytes()),
		AckSaltB64:                  base64.StdEncoding.EncodeToString([]byte("salt1234salt1234")),
	}

	_, err = hs.CompleteHandshake(ack)
	require.Error(t, err)
	var se *scanerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, scanerr.KindHandshakeMismatch, se.Kind)
}

func TestECDHAgreementIsSymmetric(t *testing.T) {
	signingKey, signingPub := newSigningKey(t)
	hs, hello, err := BuildHello("session-1", "scan-dev-1", "abcd", signingKey, signingPub)
	require.NoError(t, err)

	serverKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientPub, err := ecdh.P256().NewPublicKey(mustDecode(t, hello.ClientEphemeralPublicKeyB64))
	require.NoError(t, err)

	serverShared, err := serverKey.ECDH(clientPub)
	require.NoError(t, err)

	salt := []byte("salt1234salt1234")
	ack := &Ack{
		Protocol:                    protocolID,
		SessionID:                   "session-1",
		ServerEphemeralPublicKeyB64: base64.StdEncoding.EncodeToString(serverKey.PublicKey().Bytes()),
		AckSaltB64:                  base64.StdEncoding.EncodeToString(salt),
	}

	session, err := hs.CompleteHandshake(ack)
	require.NoError(t, err)

	serverMaterial, err := deriveSessionMaterial(serverShared, salt)
	require.NoError(t, err)

	assert.Equal(t, session.key, serverMaterial[:32])
	assert.Equal(t, session.noncePrefix, serverMaterial[32:40])
}

func TestDifferentSaltProducesDifferentMaterial(t *testing.T) {
	shared := []byte("shared-secret-bytes-shared-secre")
	m1, err := deriveSessionMaterial(shared, []byte("salt-one"))
	require.NoError(t, err)
	m2, err := deriveSessionMaterial(shared, []byte("salt-two"))
	require.NoError(t, err)
	assert.NotEqual(t, m1, m2)
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	prefix := make([]byte, 8)
	_, err = rand.Read(prefix)
	require.NoError(t, err)
	return &Session{key: key, noncePrefix: prefix, inboundCounter: -1}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSession(t)
	frame, err := s.Seal(ChannelSample, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), frame.Counter)

	ch, pt, ok, err := s.Open(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ChannelSample, ch)
	assert.Equal(t, []byte("hello world"), pt)
}

func TestOpenRejectsReplayedCounterSilently(t *testing.T) {
	s := newTestSession(t)
	frame, err := s.Seal(ChannelControl, []byte("one"))
	require.NoError(t, err)

	_, _, ok, err := s.Open(frame)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-delivering the same frame (equal counter) is silently dropped.
	_, _, ok, err = s.Open(frame)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenFailsClosedOnTamperedCiphertext(t *testing.T) {
	s := newTestSession(t)
	frame, err := s.Seal(ChannelControl, []byte("payload"))
	require.NoError(t, err)

	frame.CiphertextB64 = base64.StdEncoding.EncodeToString(append(mustDecode(t, frame.CiphertextB64), 0x00))

	_, _, _, err = s.Open(frame)
	require.Error(t, err)
	assert.True(t, scanerr.IsFatal(err))
}

func TestCounterExhaustionIsRefusedBeforeEmission(t *testing.T) {
	s := newTestSession(t)
	s.outboundCounter = ^uint32(0)

	_, err := s.Seal(ChannelControl, []byte("last"))
	require.NoError(t, err)

	_, err = s.Seal(ChannelControl, []byte("overflow"))
	require.Error(t, err)
	var se *scanerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, scanerr.KindCounterExhausted, se.Kind)
	assert.True(t, scanerr.IsFatal(err))
}
