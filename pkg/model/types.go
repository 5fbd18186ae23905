package model

import "time"

// SampleKind enumerates the capture sample envelope's tagged variant.
type SampleKind string

const (
	SampleKindKeyframeRGB     SampleKind = "KeyframeRgb"
	SampleKindDepthFrame      SampleKind = "DepthFrame"
	SampleKindMeshAnchorBatch SampleKind = "MeshAnchorBatch"
	SampleKindCameraPose      SampleKind = "CameraPose"
	SampleKindIntrinsics      SampleKind = "Intrinsics"
	SampleKindHeartbeat       SampleKind = "Heartbeat"
)

// Envelope is the per-sample metadata record, written to samples.log and
// carried over the secure transport's sample channel.
type Envelope struct {
	SessionID      string            `json:"session_id"`
	SampleSeq      int64             `json:"sample_seq"`
	CaptureTimeNs  int64             `json:"capture_time_ns"`
	ClockID        string            `json:"clock_id"`
	SampleKind     SampleKind        `json:"sample_kind"`
	HashSHA256     string            `json:"hash_sha256"`
	PayloadRef     string            `json:"payload_ref"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TrustStatus is the lifecycle status of a trust record.
type TrustStatus string

const (
	TrustStatusTrusted TrustStatus = "trusted"
	TrustStatusRevoked TrustStatus = "revoked"
)

// TrustRecord is a persisted, keyed trust relationship with a paired peer.
type TrustRecord struct {
	PeerDeviceID                  string      `json:"peer_device_id"`
	PeerDisplayName               string      `json:"peer_display_name"`
	PeerCertFingerprintSHA256     string      `json:"peer_cert_fingerprint_sha256"`
	CreatedAtUTC                  time.Time   `json:"created_at_utc"`
	LastSeenAtUTC                 time.Time   `json:"last_seen_at_utc"`
	Status                        TrustStatus `json:"status"`
	PreviousCertFingerprintsSHA256 []string   `json:"previous_cert_fingerprints_sha256,omitempty"`
}

// QRPayload is the signed, short-lived pairing payload decoded from the
// desktop-originated QR code.
type QRPayload struct {
	PairingToken                string `json:"pairing_token"`
	PairingCode                 string `json:"pairing_code"`
	PairingNonce                string `json:"pairing_nonce"`
	DesktopDeviceID              string `json:"desktop_device_id"`
	DesktopDisplayName           string `json:"desktop_display_name"`
	PairingEndpoint              string `json:"pairing_endpoint"`
	QUICEndpoint                 string `json:"quic_endpoint"`
	ExpiresAtUTC                 string `json:"expires_at_utc"`
	DesktopCertFingerprintSHA256 string `json:"desktop_cert_fingerprint_sha256"`
	ProtocolVersion               string `json:"protocol_version"`
	SignatureB64                  string `json:"signature_b64"`
}

// PairingConfirm is the body sent to {pairing_endpoint}/pairing/confirm.
type PairingConfirm struct {
	PairingCode    string               `json:"pairing_code"`
	PairingConfirm PairingConfirmDetail `json:"pairing_confirm"`
}

// PairingConfirmDetail carries the scan device's side of the handshake.
type PairingConfirmDetail struct {
	PairingNonce                 string `json:"pairing_nonce"`
	ScanDeviceID                 string `json:"scan_device_id"`
	ScanDisplayName              string `json:"scan_display_name"`
	ScanCertFingerprintSHA256    string `json:"scan_cert_fingerprint_sha256"`
	DesktopCertFingerprintSHA256 string `json:"desktop_cert_fingerprint_sha256"`
	ConfirmedAtUTC               string `json:"confirmed_at_utc"`
}

// PairingConfirmResponse is the desktop's 200 OK response body.
type PairingConfirmResponse struct {
	TrustRecord    TrustRecord     `json:"trust_record"`
	ScanClientMTLS *ClientMTLSBlob `json:"scan_client_mtls,omitempty"`
}

// ClientMTLSBlob is the client-TLS identity handed back during pairing.
type ClientMTLSBlob struct {
	BundleB64          string `json:"bundle_b64"`
	Password           string `json:"password"`
	PeerCertFingerprint string `json:"peer_cert_fingerprint_sha256"`
}

// ResumeCheckpoint is a control message exchanged immediately after the
// secure channel handshake completes, and again whenever either side
// wants to communicate (or learn) the current sample acknowledgment
// high-water mark.
type ResumeCheckpoint struct {
	Type               string `json:"type"`
	SessionID          string `json:"session_id"`
	LastAckedSampleSeq int64  `json:"last_acked_sample_seq"`
	CapturedAtUTC      string `json:"captured_at_utc"`
	StreamID           string `json:"stream_id"`
}

// BackpressureHint is a control message the peer uses to ask the capture
// pipeline to adjust its sampling rates.
type BackpressureHint struct {
	Type                string   `json:"type"`
	KeyframeIntervalSec float64  `json:"keyframe_interval_sec,omitempty"`
	DepthStride         int      `json:"depth_stride,omitempty"`
	MeshIntervalSec     float64  `json:"mesh_interval_sec,omitempty"`
	DropNonKeyframes    *bool    `json:"drop_non_keyframes,omitempty"`
}
