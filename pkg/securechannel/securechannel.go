// Package securechannel implements the signed handshake and per-direction
// authenticated encryption that rides on top of the framed transport
// (pkg/transport). The key derivation shape — raw ECDH, HKDF-SHA256,
// AES-256-GCM with a counter-suffixed nonce — mirrors the teacher's
// mdoc session-encryption helpers, adapted from a CBOR/ISO-18013-5
// transcript-derived key to a JSON handshake with a server-supplied
// salt.
package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
	"math/big"
	"scan/pkg/ids"
	"scan/pkg/scanerr"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	protocolID       = "provinode.scan.securechannel.v1"
	sessionKeyInfo   = "provinode.scan.securechannel.session.v1"
	derivedKeyLength = 40 // 32-byte AES key + 8-byte nonce prefix
)

// Channel identifies the inner payload_channel carried by an encrypted
// frame.
type Channel byte

const (
	ChannelControl Channel = 0x01
	ChannelSample  Channel = 0x02
)

// Hello is the client-initiated handshake message sent on the outer
// wire's control channel (0x01).
type Hello struct {
	Protocol                  string `json:"protocol"`
	SessionID                 string `json:"session_id"`
	ScanDeviceID              string `json:"scan_device_id"`
	ScanCertFingerprintSHA256 string `json:"scan_cert_fingerprint_sha256"`
	HelloNonce                string `json:"hello_nonce"`
	ClientEphemeralPublicKeyB64 string `json:"client_ephemeral_public_key_b64"`
	CreatedAtUTC              string `json:"created_at_utc"`
	ScanSigningPublicKeyB64   string `json:"scan_signing_public_key_b64"`
	HelloSignatureB64         string `json:"hello_signature_b64"`
}

// Ack is the peer's response to Hello.
type Ack struct {
	Protocol                  string `json:"protocol"`
	SessionID                 string `json:"session_id"`
	ServerEphemeralPublicKeyB64 string `json:"server_ephemeral_public_key_b64"`
	AckSaltB64                string `json:"ack_salt_b64"`
}

// EncryptedFrame is the inner AEAD envelope, JSON-encoded and carried on
// outer wire channel 0x03.
type EncryptedFrame struct {
	Protocol       string `json:"protocol"`
	PayloadChannel byte   `json:"payload_channel"`
	Counter        uint32 `json:"counter"`
	NonceB64       string `json:"nonce_b64"`
	CiphertextB64  string `json:"ciphertext_b64"`
	TagB64         string `json:"tag_b64"`
}

// Handshake tracks client-side handshake state between building the Hello
// and processing the peer's Ack.
type Handshake struct {
	sessionID    string
	ephemeral    *ecdh.PrivateKey
	helloNonce   string
}

// BuildHello constructs the signed Hello message. signingKey is the
// device's long-term P-256 signing key; signingPubX963 is its X9.63
// uncompressed encoding.
func BuildHello(sessionID, scanDeviceID, fingerprintLower string, signingKey *ecdsa.PrivateKey, signingPubX963 []byte) (*Handshake, *Hello, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	helloNonce := ids.New()
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	ephemeralPubB64 := base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes())
	signingPubB64 := base64.StdEncoding.EncodeToString(signingPubX963)

	payload := canonicalPayload(sessionID, scanDeviceID, fingerprintLower, helloNonce, ephemeralPubB64, signingPubB64)
	sig, err := signRaw(signingKey, payload)
	if err != nil {
		return nil, nil, err
	}

	hello := &Hello{
		Protocol:                    protocolID,
		SessionID:                   sessionID,
		ScanDeviceID:                scanDeviceID,
		ScanCertFingerprintSHA256:   fingerprintLower,
		HelloNonce:                  helloNonce,
		ClientEphemeralPublicKeyB64: ephemeralPubB64,
		CreatedAtUTC:                createdAt,
		ScanSigningPublicKeyB64:     signingPubB64,
		HelloSignatureB64:           base64.StdEncoding.EncodeToString(sig),
	}

	return &Handshake{sessionID: sessionID, ephemeral: ephemeral, helloNonce: helloNonce}, hello, nil
}

func canonicalPayload(sessionID, scanDeviceID, fingerprintLower, helloNonce, ephemeralPubB64, signingPubB64 string) []byte {
	s := protocolID + "\n" + sessionID + "\n" + scanDeviceID + "\n" + fingerprintLower + "\n" + helloNonce + "\n" + ephemeralPubB64 + "\n" + signingPubB64
	return []byte(s)
}

// signRaw signs the SHA-256 digest of payload and returns the raw
// 64-byte (r||s, each 32 bytes big-endian) signature.
func signRaw(key *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}

// verifyRaw verifies a raw 64-byte ECDSA signature over the SHA-256
// digest of payload.
func verifyRaw(pub *ecdsa.PublicKey, payload, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	digest := sha256.Sum256(payload)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// VerifyHello verifies a received Hello's signature against the embedded
// signing public key, returning the parsed P256 public key for later use.
func VerifyHello(hello *Hello) (*ecdsa.PublicKey, error) {
	signingPub, err := base64.StdEncoding.DecodeString(hello.ScanSigningPublicKeyB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}
	pub, err := x963ToECDSAPublic(signingPub)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}
	sig, err := base64.StdEncoding.DecodeString(hello.HelloSignatureB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}
	payload := canonicalPayload(hello.SessionID, hello.ScanDeviceID, hello.ScanCertFingerprintSHA256, hello.HelloNonce, hello.ClientEphemeralPublicKeyB64, hello.ScanSigningPublicKeyB64)
	if !verifyRaw(pub, payload, sig) {
		return nil, scanerr.New(scanerr.KindHandshakeMismatch, "hello signature verification failed")
	}
	return pub, nil
}

func x963ToECDSAPublic(x963 []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, x963)
	if x == nil {
		return nil, scanerr.New(scanerr.KindHandshakeMismatch, "malformed X9.63 public key")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// CompleteHandshake consumes the peer's Ack, checks protocol/session_id
// agreement, performs ECDH, and derives the session's AEAD key material.
func (h *Handshake) CompleteHandshake(ack *Ack) (*Session, error) {
	if ack.Protocol != protocolID || ack.SessionID != h.sessionID {
		return nil, scanerr.New(scanerr.KindHandshakeMismatch, "protocol or session_id mismatch in ack")
	}

	serverPubBytes, err := base64.StdEncoding.DecodeString(ack.ServerEphemeralPublicKeyB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}
	serverPub, err := ecdh.P256().NewPublicKey(serverPubBytes)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}

	salt, err := base64.StdEncoding.DecodeString(ack.AckSaltB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}

	shared, err := h.ephemeral.ECDH(serverPub)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}

	material, err := deriveSessionMaterial(shared, salt)
	if err != nil {
		return nil, err
	}

	return &Session{
		key:             material[:32],
		noncePrefix:     material[32:40],
		outboundCounter: 0,
		inboundCounter:  -1,
	}, nil
}

func deriveSessionMaterial(sharedSecret, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(sessionKeyInfo))
	out := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}
	return out, nil
}

// Session is the established secure channel: a shared AES-256-GCM key
// plus per-direction counter discipline.
type Session struct {
	key                    []byte
	noncePrefix            []byte
	outboundCounter        uint32
	outboundCounterWrapped bool
	inboundCounter         int64 // -1 sentinel: nothing received yet
}

// Seal encrypts plaintext for payloadChannel, advancing the outbound
// counter. Exceeding 2^32 frames is refused before emission.
func (s *Session) Seal(payloadChannel Channel, plaintext []byte) (*EncryptedFrame, error) {
	if s.outboundCounterWrapped {
		return nil, scanerr.New(scanerr.KindCounterExhausted, "outbound counter exhausted")
	}

	nonce := s.buildNonce(s.outboundCounter)
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindAeadFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindAeadFailure, err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	frame := &EncryptedFrame{
		Protocol:       protocolID,
		PayloadChannel: byte(payloadChannel),
		Counter:        s.outboundCounter,
		NonceB64:       base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64:  base64.StdEncoding.EncodeToString(ct),
		TagB64:         base64.StdEncoding.EncodeToString(tag),
	}

	if s.outboundCounter == ^uint32(0) {
		s.outboundCounterWrapped = true
	} else {
		s.outboundCounter++
	}
	return frame, nil
}

// Open decrypts frame, enforcing strict counter monotonicity. A frame
// whose counter is not strictly greater than the last accepted counter
// is silently dropped (ok=false, err=nil); AEAD failure is a fatal
// *scanerr.Error.
func (s *Session) Open(frame *EncryptedFrame) (payloadChannel Channel, plaintext []byte, ok bool, err error) {
	if int64(frame.Counter) <= s.inboundCounter {
		return 0, nil, false, nil
	}

	nonce, decErr := base64.StdEncoding.DecodeString(frame.NonceB64)
	if decErr != nil {
		return 0, nil, false, scanerr.Wrap(scanerr.KindAeadFailure, decErr)
	}
	ct, decErr := base64.StdEncoding.DecodeString(frame.CiphertextB64)
	if decErr != nil {
		return 0, nil, false, scanerr.Wrap(scanerr.KindAeadFailure, decErr)
	}
	tag, decErr := base64.StdEncoding.DecodeString(frame.TagB64)
	if decErr != nil {
		return 0, nil, false, scanerr.Wrap(scanerr.KindAeadFailure, decErr)
	}

	block, cipherErr := aes.NewCipher(s.key)
	if cipherErr != nil {
		return 0, nil, false, scanerr.Wrap(scanerr.KindAeadFailure, cipherErr)
	}
	gcm, gcmErr := cipher.NewGCM(block)
	if gcmErr != nil {
		return 0, nil, false, scanerr.Wrap(scanerr.KindAeadFailure, gcmErr)
	}

	combined := append(append([]byte{}, ct...), tag...)
	pt, openErr := gcm.Open(nil, nonce, combined, nil)
	if openErr != nil {
		return 0, nil, false, scanerr.Wrap(scanerr.KindAeadFailure, openErr)
	}

	s.inboundCounter = int64(frame.Counter)
	return Channel(frame.PayloadChannel), pt, true, nil
}

func (s *Session) buildNonce(counter uint32) []byte {
	nonce := make([]byte, 12)
	copy(nonce, s.noncePrefix)
	binary.BigEndian.PutUint32(nonce[8:], counter)
	return nonce
}
