package pki

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func ParseX509CertificateFromFile(path string) (*x509.Certificate, []*x509.Certificate, error) {
	pemData, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}

	block, rest := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, nil, errors.New("certificate decoding error")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}

	storage := map[int]*x509.Certificate{}
	if len(rest) > 0 {
		if err := parseChain(rest, 0, storage); err != nil {
			return nil, nil, err
		}
	}

	chain := []*x509.Certificate{}
	chain = append(chain, cert)
	for _, v := range storage {
		chain = append(chain, v)
	}

	return cert, chain, nil
}

func parseChain(rest []byte, n int, storage map[int]*x509.Certificate) error {
	n++
	block, r := pem.Decode(rest)
	if block == nil {
		return nil
	}

	if block.Type != "CERTIFICATE" {
		return errors.New("certificate type error")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return err
	}

	storage[n] = cert

	if len(r) > 0 {
		if err := parseChain(r, n, storage); err != nil {
			return err
		}
	}

	return nil
}

func ParseKeyFromFile(path string) (any, error) {
	pemData, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	block, rest := pem.Decode([]byte(pemData))
	if block == nil || len(rest) > 0 {
		return nil, errors.New("failed to decode PEM block from file")
	}

	// Support multiple key formats
	switch block.Type {
	case "PRIVATE KEY":
		// PKCS#8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return key, nil

	case "EC PRIVATE KEY":
		// SEC1/EC format
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		return key, nil

	case "RSA PRIVATE KEY":
		// PKCS#1 RSA format
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func Base64EncodeCertificate(cert *x509.Certificate) string {
	reply := base64.RawStdEncoding.EncodeToString(cert.Raw)
	return reply
}

// LeafFingerprintSHA256 returns the lowercase hex SHA-256 over a leaf
// certificate's DER encoding, the canonical pinning value used throughout
// the pairing and transport handshakes.
func LeafFingerprintSHA256(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// VerifyPinnedLeaf builds a tls.Config.VerifyPeerCertificate callback that
// fails closed unless the leaf certificate's SHA-256 fingerprint matches
// pinnedFingerprintHex case-insensitively. There is no fallback to system
// trust: a present pin is the only trust anchor.
func VerifyPinnedLeaf(pinnedFingerprintHex string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	want := strings.ToLower(pinnedFingerprintHex)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("pki: no leaf certificate presented")
		}
		got := LeafFingerprintSHA256(rawCerts[0])
		if got != want {
			return fmt.Errorf("pki: leaf fingerprint mismatch: got %s want %s", got, want)
		}
		return nil
	}
}

// ClientCertificateFromBundle parses a client mutual-TLS bundle (PEM-
// encoded certificate and private key concatenated in one byte slice, the
// opaque format the pairing confirm response hands back) into a
// tls.Certificate. tls.X509KeyPair scans for the matching block type in
// each argument independently, so passing the same bundle for both is
// sufficient.
func ClientCertificateFromBundle(bundle []byte) (tls.Certificate, error) {
	return tls.X509KeyPair(bundle, bundle)
}

// PinnedClientTLSConfig returns a tls.Config that skips the normal chain
// verification (InsecureSkipVerify) in favor of VerifyPinnedLeaf, optionally
// presenting a client certificate for mutual TLS.
func PinnedClientTLSConfig(pinnedFingerprintHex string, clientCert *tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true, // verification replaced by VerifyPeerCertificate pinning
		VerifyPeerCertificate: VerifyPinnedLeaf(pinnedFingerprintHex),
	}
	if clientCert != nil {
		cfg.Certificates = []tls.Certificate{*clientCert}
	}
	return cfg
}
