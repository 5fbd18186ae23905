package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedLeaf(t *testing.T) (*x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "desktop.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, der
}

func TestLeafFingerprintSHA256(t *testing.T) {
	_, der := selfSignedLeaf(t)
	fp := LeafFingerprintSHA256(der)
	assert.Len(t, fp, 64)

	fp2 := LeafFingerprintSHA256(der)
	assert.Equal(t, fp, fp2)
}

func TestVerifyPinnedLeaf(t *testing.T) {
	_, der := selfSignedLeaf(t)
	want := LeafFingerprintSHA256(der)

	verify := VerifyPinnedLeaf(want)
	assert.NoError(t, verify([][]byte{der}, nil))

	wrong := VerifyPinnedLeaf("00" + want[2:])
	assert.Error(t, wrong([][]byte{der}, nil))

	assert.Error(t, verify([][]byte{}, nil))
}
