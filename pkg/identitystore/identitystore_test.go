package identitystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"scan/pkg/logger"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewCreatesMaterialOnFirstUse(t *testing.T) {
	s := newStore(t)

	m, err := s.Material()
	require.NoError(t, err)
	assert.Len(t, m.DeviceID, 26)
	assert.Len(t, m.PublicKeyX963, 65)
	assert.Len(t, m.PrivateKeyScalar, 32)
	assert.Len(t, m.FingerprintSHA256, 64)
}

func TestMaterialIsStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	s1, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	m1, err := s1.Material()
	require.NoError(t, err)
	s1.Close()

	s2, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	t.Cleanup(s2.Close)
	m2, err := s2.Material()
	require.NoError(t, err)

	assert.Equal(t, m1.DeviceID, m2.DeviceID)
	assert.Equal(t, m1.FingerprintSHA256, m2.FingerprintSHA256)
	assert.Equal(t, m1.PrivateKeyScalar, m2.PrivateKeyScalar)
}

func TestClientTLSIdentityAbsentInitially(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.ClientTLSIdentity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistAndReadClientTLSIdentity(t *testing.T) {
	s := newStore(t)

	bundle := []byte("fake-pkcs12-bytes")
	require.NoError(t, s.PersistClientTLSIdentity(bundle, "hunter2", "ABCDEF0123456789"))

	got, ok, err := s.ClientTLSIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bundle, got.Bytes)
	assert.Equal(t, "hunter2", got.Password)
	assert.Equal(t, "ABCDEF0123456789", got.PeerCertFingerprint)
}

func TestClientTLSBlobIsEncryptedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.PersistClientTLSIdentity([]byte("super-secret-bundle"), "pw", "fp"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-bundle")
	assert.NotContains(t, string(raw), "\"password\":\"pw\"")
}

func TestLegacyPlaintextFieldsAreMigratedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	m, err := s.Material()
	require.NoError(t, err)
	s.Close()

	doc := map[string]any{
		"device_id":              m.DeviceID,
		"private_scalar_b64":     m.PrivateKeyB64,
		"public_key_x963_b64":    m.PublicKeyB64,
		"fingerprint_sha256":     m.FingerprintSHA256,
		"client_tls_bytes_b64":   "ZmFrZS1idW5kbGU=",
		"client_tls_password":    "legacy-pw",
		"client_tls_fingerprint": "deadbeef",
	}
	rewritten, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, rewritten, 0o600))

	s2, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	t.Cleanup(s2.Close)

	got, ok, err := s2.ClientTLSIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("fake-bundle"), got.Bytes)
	assert.Equal(t, "legacy-pw", got.Password)
	assert.Equal(t, "deadbeef", got.PeerCertFingerprint)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(onDisk), "legacy-pw")
}

func TestIncompleteLegacyTripleIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, err := New(path, logger.NewSimple("test"))
	require.NoError(t, err)
	m, err := s.Material()
	require.NoError(t, err)
	s.Close()

	doc := map[string]any{
		"device_id":           m.DeviceID,
		"private_scalar_b64":  m.PrivateKeyB64,
		"public_key_x963_b64": m.PublicKeyB64,
		"fingerprint_sha256":  m.FingerprintSHA256,
		"client_tls_password": "legacy-pw",
	}
	rewritten, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, rewritten, 0o600))

	_, err = New(path, logger.NewSimple("test"))
	assert.Error(t, err)
}
