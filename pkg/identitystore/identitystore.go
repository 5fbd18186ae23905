// Package identitystore persists the device's signing keypair and, once
// paired, its client mutual-TLS bundle. It is a single-writer actor: every
// public method sends a request onto the store's command channel and
// blocks on a reply, so disk I/O and key derivation always happen on the
// owning goroutine — the Go rendering of the "per-owner task with an
// inbound request queue" pattern the specification calls for.
package identitystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"scan/pkg/ids"
	"scan/pkg/logger"
	"scan/pkg/scanerr"

	"golang.org/x/crypto/hkdf"
)

const clientTLSInfoV1 = "scan-device:client-tls:v1"

// Material is the derived identity handed to callers: the device id, the
// raw signing key components, and the fingerprint over the X9.63
// uncompressed public key.
type Material struct {
	DeviceID          string
	FingerprintSHA256 string
	PublicKeyX963     []byte
	PrivateKeyScalar  []byte
	PublicKeyB64      string
	PrivateKeyB64     string
}

// SigningKey reconstructs the device's P-256 signing key from its raw
// scalar and X9.63 public key, for callers (pkg/securechannel) that need
// a *ecdsa.PrivateKey rather than the raw bytes.
func (m *Material) SigningKey() (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, m.PublicKeyX963)
	if x == nil {
		return nil, errors.New("identitystore: malformed public key in material")
	}
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(m.PrivateKeyScalar),
	}, nil
}

// ClientTLSIdentity is the client mutual-TLS bundle installed during
// pairing.
type ClientTLSIdentity struct {
	Bytes               []byte
	Password            string
	PeerCertFingerprint string
}

// document is the on-disk representation of the identity store.
type document struct {
	DeviceID            string `json:"device_id"`
	PrivateScalarB64    string `json:"private_scalar_b64"`
	PublicKeyX963B64    string `json:"public_key_x963_b64"`
	FingerprintSHA256   string `json:"fingerprint_sha256"`
	ClientTLSVersion    string `json:"client_tls_version,omitempty"`
	ClientTLSBlobB64    string `json:"client_tls_blob_b64,omitempty"`
	// Legacy plaintext fields, migrated on load if present.
	LegacyBytesB64      string `json:"client_tls_bytes_b64,omitempty"`
	LegacyPassword      string `json:"client_tls_password,omitempty"`
	LegacyFingerprint   string `json:"client_tls_fingerprint,omitempty"`
}

type sealedClientTLS struct {
	BytesB64        string `json:"bytes_b64"`
	Password        string `json:"password"`
	FingerprintLower string `json:"fingerprint_lower"`
}

type req struct {
	op    string
	bytes []byte
	password string
	fingerprint string
	reply chan reply
}

type reply struct {
	material *Material
	clientTLS *ClientTLSIdentity
	ok       bool
	err      error
}

// Store is the identity store actor.
type Store struct {
	path string
	log  *logger.Log
	cmds chan req
	done chan struct{}
}

// New loads the identity document at path, creating a fresh P-256 signing
// keypair and identifier if the file does not yet exist.
func New(path string, log *logger.Log) (*Store, error) {
	s := &Store{
		path: path,
		log:  log,
		cmds: make(chan req),
		done: make(chan struct{}),
	}

	doc, err := s.loadOrCreate()
	if err != nil {
		return nil, err
	}
	if err := s.migrateLegacy(doc); err != nil {
		return nil, err
	}

	go s.run()
	return s, nil
}

// Close stops the store's goroutine.
func (s *Store) Close() {
	close(s.done)
}

func (s *Store) run() {
	for {
		select {
		case <-s.done:
			return
		case r := <-s.cmds:
			switch r.op {
			case "material":
				m, err := s.materialSync()
				r.reply <- reply{material: m, err: err}
			case "clientTLS":
				c, ok, err := s.clientTLSSync()
				r.reply <- reply{clientTLS: c, ok: ok, err: err}
			case "persistClientTLS":
				err := s.persistClientTLSSync(r.bytes, r.password, r.fingerprint)
				r.reply <- reply{err: err}
			}
		}
	}
}

// Material returns the device's derived identity.
func (s *Store) Material() (*Material, error) {
	r := s.send(req{op: "material"})
	return r.material, r.err
}

// ClientTLSIdentity returns the installed client-TLS bundle, if any.
func (s *Store) ClientTLSIdentity() (*ClientTLSIdentity, bool, error) {
	r := s.send(req{op: "clientTLS"})
	return r.clientTLS, r.ok, r.err
}

// PersistClientTLSIdentity encrypts and writes the client-TLS bundle
// obtained during pairing, clearing any legacy plaintext fields.
func (s *Store) PersistClientTLSIdentity(bundle []byte, password, fingerprint string) error {
	r := s.send(req{op: "persistClientTLS", bytes: bundle, password: password, fingerprint: fingerprint})
	return r.err
}

func (s *Store) send(r req) reply {
	r.reply = make(chan reply, 1)
	s.cmds <- r
	return <-r.reply
}

func (s *Store) loadOrCreate() (*document, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if errors.Is(err, os.ErrNotExist) {
		return s.createNew()
	}
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	if _, err := decodeScalar(doc.PrivateScalarB64); err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	return &doc, nil
}

func (s *Store) createNew() (*document, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := elliptic.Marshal(elliptic.P256(), key.X, key.Y)
	scalar := key.D.FillBytes(make([]byte, 32))

	doc := &document{
		DeviceID:          ids.New(),
		PrivateScalarB64:  base64.StdEncoding.EncodeToString(scalar),
		PublicKeyX963B64:  base64.StdEncoding.EncodeToString(pub),
		FingerprintSHA256: ids.SHA256Hex(pub),
	}
	if err := s.writeAtomic(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) writeAtomic(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *Store) materialSync() (*Material, error) {
	doc, err := s.loadOrCreate()
	if err != nil {
		return nil, err
	}
	scalar, err := decodeScalar(doc.PrivateScalarB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	pub, err := base64.StdEncoding.DecodeString(doc.PublicKeyX963B64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}

	return &Material{
		DeviceID:          doc.DeviceID,
		FingerprintSHA256: doc.FingerprintSHA256,
		PublicKeyX963:     pub,
		PrivateKeyScalar:  scalar,
		PublicKeyB64:      doc.PublicKeyX963B64,
		PrivateKeyB64:      doc.PrivateScalarB64,
	}, nil
}

func (s *Store) clientTLSSync() (*ClientTLSIdentity, bool, error) {
	doc, err := s.loadOrCreate()
	if err != nil {
		return nil, false, err
	}
	if doc.ClientTLSBlobB64 == "" {
		return nil, false, nil
	}
	sealed, err := s.decryptClientTLS(doc)
	if err != nil {
		return nil, false, err
	}
	bytes, err := base64.StdEncoding.DecodeString(sealed.BytesB64)
	if err != nil {
		return nil, false, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	return &ClientTLSIdentity{
		Bytes:               bytes,
		Password:            sealed.Password,
		PeerCertFingerprint: sealed.FingerprintLower,
	}, true, nil
}

func (s *Store) persistClientTLSSync(bundle []byte, password, fingerprint string) error {
	doc, err := s.loadOrCreate()
	if err != nil {
		return err
	}

	sealed := sealedClientTLS{
		BytesB64:         base64.StdEncoding.EncodeToString(bundle),
		Password:         password,
		FingerprintLower: fingerprint,
	}
	blob, err := s.encryptClientTLS(doc, sealed)
	if err != nil {
		return err
	}

	doc.ClientTLSVersion = "v1"
	doc.ClientTLSBlobB64 = blob
	doc.LegacyBytesB64 = ""
	doc.LegacyPassword = ""
	doc.LegacyFingerprint = ""

	return s.writeAtomic(doc)
}

// migrateLegacy encrypts and rewrites any plaintext legacy client-TLS
// fields found on load, then clears them.
func (s *Store) migrateLegacy(doc *document) error {
	if doc.ClientTLSBlobB64 != "" {
		return nil
	}
	if doc.LegacyBytesB64 == "" && doc.LegacyPassword == "" && doc.LegacyFingerprint == "" {
		return nil
	}
	if doc.LegacyBytesB64 == "" || doc.LegacyFingerprint == "" {
		return scanerr.New(scanerr.KindLegacyMigrationIncomplete, "incomplete legacy client-tls triple")
	}

	bundle, err := base64.StdEncoding.DecodeString(doc.LegacyBytesB64)
	if err != nil {
		return scanerr.Wrap(scanerr.KindLegacyMigrationIncomplete, err)
	}

	sealed := sealedClientTLS{
		BytesB64:         base64.StdEncoding.EncodeToString(bundle),
		Password:         doc.LegacyPassword,
		FingerprintLower: doc.LegacyFingerprint,
	}
	blob, err := s.encryptClientTLS(doc, sealed)
	if err != nil {
		return err
	}

	doc.ClientTLSVersion = "v1"
	doc.ClientTLSBlobB64 = blob
	doc.LegacyBytesB64 = ""
	doc.LegacyPassword = ""
	doc.LegacyFingerprint = ""

	return s.writeAtomic(doc)
}

func (s *Store) deriveKey(doc *document) ([]byte, error) {
	scalar, err := decodeScalar(doc.PrivateScalarB64)
	if err != nil {
		return nil, err
	}
	salt := []byte("scan-device:" + doc.DeviceID)
	r := hkdf.New(sha256.New, scalar, salt, []byte(clientTLSInfoV1))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) encryptClientTLS(doc *document, sealed sealedClientTLS) (string, error) {
	key, err := s.deriveKey(doc)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(sealed)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)

	combined := append(append([]byte{}, nonce...), ct...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

func (s *Store) decryptClientTLS(doc *document) (*sealedClientTLS, error) {
	key, err := s.deriveKey(doc)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	combined, err := base64.StdEncoding.DecodeString(doc.ClientTLSBlobB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	if len(combined) < gcm.NonceSize() {
		return nil, scanerr.New(scanerr.KindIdentityCorrupt, "client-tls blob too short")
	}
	nonce, ct := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}

	var sealed sealedClientTLS
	if err := json.Unmarshal(plaintext, &sealed); err != nil {
		return nil, scanerr.Wrap(scanerr.KindIdentityCorrupt, err)
	}
	return &sealed, nil
}

func decodeScalar(b64 string) ([]byte, error) {
	scalar, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(scalar) != 32 {
		return nil, fmt.Errorf("signing scalar must be 32 bytes, got %d", len(scalar))
	}
	return scalar, nil
}
