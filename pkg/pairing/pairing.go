// Package pairing validates a desktop-issued QR payload and drives the
// confirm exchange that installs a trust record (and, optionally, a
// client mutual-TLS bundle) for that desktop.
package pairing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"scan/pkg/identitystore"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/pki"
	"scan/pkg/scanerr"
	"scan/pkg/truststore"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/moogar0880/problems"
)

// Client drives QR validation and the pairing confirm exchange.
type Client struct {
	identity *identitystore.Store
	trust    *truststore.Store
	log      *logger.Log
	timeout  time.Duration

	httpClientFor func(pinnedFingerprint string) *http.Client
}

// New builds a pairing client. httpClientFor, when nil, defaults to a
// pinned-TLS client built from pkg/pki for each call.
func New(identity *identitystore.Store, trust *truststore.Store, log *logger.Log, timeout time.Duration) *Client {
	return &Client{identity: identity, trust: trust, log: log, timeout: timeout}
}

// ValidateQR runs the seven-step validation chain over raw QR bytes and
// returns the decoded payload.
func ValidateQR(raw []byte) (*model.QRPayload, error) {
	if !utf8.Valid(raw) {
		return nil, scanerr.QrError(scanerr.QrReasonShapeInvalid, "payload is not valid UTF-8")
	}
	var p model.QRPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, scanerr.QrError(scanerr.QrReasonShapeInvalid, err.Error())
	}

	u, err := url.Parse(p.PairingEndpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, scanerr.QrError(scanerr.QrReasonSchemeNotHttps, "pairing_endpoint must be an https URL")
	}

	major := strings.SplitN(p.ProtocolVersion, ".", 2)[0]
	if major != "1" {
		return nil, scanerr.QrError(scanerr.QrReasonUnsupportedVersion, "protocol_version major must be 1")
	}

	expires, err := parseRFC3339(p.ExpiresAtUTC)
	if err != nil {
		return nil, scanerr.QrError(scanerr.QrReasonExpired, "expires_at_utc is not RFC-3339")
	}
	if !expires.After(time.Now().UTC()) {
		return nil, scanerr.QrError(scanerr.QrReasonExpired, "expires_at_utc is not strictly in the future")
	}

	if !isHex64(p.DesktopCertFingerprintSHA256) {
		return nil, scanerr.QrError(scanerr.QrReasonFingerprintInvalid, "desktop_cert_fingerprint_sha256 must be 64 hex chars")
	}

	sig, err := base64.StdEncoding.DecodeString(p.SignatureB64)
	if err != nil || len(sig) != 32 {
		return nil, scanerr.QrError(scanerr.QrReasonSignatureInvalid, "signature_b64 must decode to 32 bytes")
	}

	host, portStr, err := net.SplitHostPort(p.QUICEndpoint)
	if err != nil || host == "" {
		return nil, scanerr.QrError(scanerr.QrReasonEndpointInvalid, "quic_endpoint must be host:port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, scanerr.QrError(scanerr.QrReasonEndpointInvalid, "quic_endpoint port out of range")
	}

	return &p, nil
}

func parseRFC3339(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Pair validates the QR payload, performs the pinned-TLS confirm
// exchange, and persists the resulting trust record (and client mTLS
// bundle, if offered).
func (c *Client) Pair(ctx context.Context, raw []byte) (*model.TrustRecord, error) {
	payload, err := ValidateQR(raw)
	if err != nil {
		return nil, err
	}
	if payload.DesktopCertFingerprintSHA256 == "" {
		return nil, scanerr.New(scanerr.KindUntrustedEndpoint, "no pinned fingerprint on endpoint")
	}

	mat, err := c.identity.Material()
	if err != nil {
		return nil, err
	}

	confirm := model.PairingConfirm{
		PairingCode: payload.PairingCode,
		PairingConfirm: model.PairingConfirmDetail{
			PairingNonce:                 payload.PairingNonce,
			ScanDeviceID:                 mat.DeviceID,
			ScanDisplayName:              mat.DeviceID,
			ScanCertFingerprintSHA256:    mat.FingerprintSHA256,
			DesktopCertFingerprintSHA256: payload.DesktopCertFingerprintSHA256,
			ConfirmedAtUTC:               time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	body, err := json.Marshal(confirm)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(payload.PairingEndpoint, "/") + "/pairing/confirm"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	httpClient := c.pinnedHTTPClient(payload.DesktopCertFingerprintSHA256)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, scanerr.New(scanerr.KindUntrustedEndpoint, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindServerRejected, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out model.PairingConfirmResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, scanerr.Wrap(scanerr.KindServerRejected, err)
		}
		if err := c.trust.Upsert(out.TrustRecord); err != nil {
			return nil, err
		}
		if out.ScanClientMTLS != nil {
			bundle, err := base64.StdEncoding.DecodeString(out.ScanClientMTLS.BundleB64)
			if err != nil {
				return nil, scanerr.Wrap(scanerr.KindServerRejected, err)
			}
			if err := c.identity.PersistClientTLSIdentity(bundle, out.ScanClientMTLS.Password, out.ScanClientMTLS.PeerCertFingerprint); err != nil {
				return nil, err
			}
		}
		c.log.Event("pairing.confirmed", out.TrustRecord.PeerDeviceID, "peer", out.TrustRecord.PeerDeviceID)
		return &out.TrustRecord, nil
	case http.StatusUnauthorized:
		return nil, scanerr.New(scanerr.KindInvalidCode, problemDetail(respBody))
	case http.StatusGone:
		return nil, scanerr.New(scanerr.KindExpired, problemDetail(respBody))
	case http.StatusTooManyRequests:
		return nil, scanerr.New(scanerr.KindLockedOut, problemDetail(respBody))
	default:
		return nil, scanerr.New(scanerr.KindServerRejected, fmt.Sprintf("status %d: %s", resp.StatusCode, problemDetail(respBody)))
	}
}

func problemDetail(body []byte) string {
	var p problems.Problem
	if err := json.Unmarshal(body, &p); err == nil && p.Detail != "" {
		return p.Detail
	}
	return string(body)
}

func (c *Client) pinnedHTTPClient(pinnedFingerprint string) *http.Client {
	if c.httpClientFor != nil {
		return c.httpClientFor(pinnedFingerprint)
	}
	return &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: pki.PinnedClientTLSConfig(pinnedFingerprint, nil),
		},
	}
}
