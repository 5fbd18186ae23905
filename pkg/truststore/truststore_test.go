package truststore

import (
	"os"
	"path/filepath"
	"scan/pkg/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "trust.json"), filepath.Join(dir, "trust.key"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func sampleRecord(id string) model.TrustRecord {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.TrustRecord{
		PeerDeviceID:              id,
		PeerDisplayName:           "desktop",
		PeerCertFingerprintSHA256: "ab" + id,
		CreatedAtUTC:              now,
		LastSeenAtUTC:             now,
		Status:                    model.TrustStatusTrusted,
	}
}

func TestUpsertAndTrustedPeer(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Upsert(sampleRecord("dev-1")))

	rec, err := s.TrustedPeer("dev-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "desktop", rec.PeerDisplayName)

	missing, err := s.TrustedPeer("dev-nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAllIsSortedByDeviceID(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Upsert(sampleRecord("dev-b")))
	require.NoError(t, s.Upsert(sampleRecord("dev-a")))
	require.NoError(t, s.Upsert(sampleRecord("dev-c")))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"dev-a", "dev-b", "dev-c"}, []string{all[0].PeerDeviceID, all[1].PeerDeviceID, all[2].PeerDeviceID})
}

func TestDocumentIsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "trust.json")
	s, err := New(storePath, filepath.Join(dir, "trust.key"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Upsert(sampleRecord("dev-secret")))

	raw, err := os.ReadFile(storePath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "dev-secret")
	assert.Contains(t, string(raw), formatTag)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "trust.json")
	keyPath := filepath.Join(dir, "trust.key")

	s1, err := New(storePath, keyPath)
	require.NoError(t, err)
	require.NoError(t, s1.Upsert(sampleRecord("dev-1")))
	s1.Close()

	s2, err := New(storePath, keyPath)
	require.NoError(t, err)
	t.Cleanup(s2.Close)

	rec, err := s2.TrustedPeer("dev-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "dev-1", rec.PeerDeviceID)
}

func TestLegacyPlaintextStoreIsMigratedOnLoad(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "trust.json")
	keyPath := filepath.Join(dir, "trust.key")

	legacy := `{"records":{"dev-legacy":{"peer_device_id":"dev-legacy","peer_display_name":"old desktop","peer_cert_fingerprint_sha256":"ff00","created_at_utc":"2025-01-01T00:00:00Z","last_seen_at_utc":"2025-01-01T00:00:00Z","status":"trusted"}}}`
	require.NoError(t, os.WriteFile(storePath, []byte(legacy), 0o600))

	s, err := New(storePath, keyPath)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rec, err := s.TrustedPeer("dev-legacy")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "old desktop", rec.PeerDisplayName)

	raw, err := os.ReadFile(storePath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), formatTag)
	assert.NotContains(t, string(raw), "old desktop")
}
