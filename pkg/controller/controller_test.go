package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"scan/pkg/capture"
	"scan/pkg/discovery"
	"scan/pkg/identitystore"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/pairing"
	"scan/pkg/pki"
	"scan/pkg/truststore"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLog(t *testing.T) *logger.Log {
	t.Helper()
	return logger.NewSimple("controller-test")
}

// buildHarness wires a real identity store, trust store, and pairing
// client around an httptest TLS server that plays the desktop side of
// the confirm exchange, returning everything the test needs to drive a
// controller through Pair -> StartCapture -> Stop -> Export.
func buildHarness(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*Controller, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()

	log := testLog(t)
	identity, err := identitystore.New(filepath.Join(dir, "identity.json"), log)
	require.NoError(t, err)
	trust, err := truststore.New(filepath.Join(dir, "trust.json"), filepath.Join(dir, "trust.key"))
	require.NoError(t, err)

	server := httptest.NewTLSServer(http.HandlerFunc(respond))
	t.Cleanup(server.Close)

	pairingClient := pairing.New(identity, trust, log, 5*time.Second)

	cfg := &model.Cfg{Session: model.Session{RootDir: filepath.Join(dir, "sessions")}}
	ctrl := New(cfg, identity, trust, pairingClient, log)
	return ctrl, server, dir
}

func qrPayload(t *testing.T, server *httptest.Server) []byte {
	t.Helper()
	fingerprint := pki.LeafFingerprintSHA256(server.Certificate().Raw)
	sig := make([]byte, 32)

	payload := map[string]any{
		"pairing_token":                   "tok",
		"pairing_code":                    "123456",
		"pairing_nonce":                   "nonce",
		"desktop_device_id":               "desktop-1",
		"desktop_display_name":            "Office Desktop",
		"pairing_endpoint":                server.URL,
		"quic_endpoint":                   "127.0.0.1:7447",
		"expires_at_utc":                  time.Now().UTC().Add(5 * time.Minute).Format(time.RFC3339),
		"desktop_cert_fingerprint_sha256": fingerprint,
		"protocol_version":                "1.0",
		"signature_b64":                   base64.StdEncoding.EncodeToString(sig),
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func TestControllerFullLifecycleLocalOnly(t *testing.T) {
	var confirmedDesktop string
	ctrl, server, _ := buildHarness(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pairing/confirm", r.URL.Path)
		var req model.PairingConfirm
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		confirmedDesktop = req.PairingConfirm.DesktopCertFingerprintSHA256

		resp := model.PairingConfirmResponse{
			TrustRecord: model.TrustRecord{
				PeerDeviceID:              "desktop-1",
				PeerDisplayName:           "Office Desktop",
				PeerCertFingerprintSHA256: req.PairingConfirm.DesktopCertFingerprintSHA256,
				CreatedAtUTC:              time.Now().UTC(),
				LastSeenAtUTC:             time.Now().UTC(),
				Status:                    model.TrustStatusTrusted,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	ctx := context.Background()
	require.Equal(t, StateIdle, ctrl.Status().State)

	record, err := ctrl.Pair(ctx, qrPayload(t, server))
	require.NoError(t, err)
	require.Equal(t, "desktop-1", record.PeerDeviceID)
	require.NotEmpty(t, confirmedDesktop)
	require.Equal(t, StatePaired, ctrl.Status().State)

	err = ctrl.StartCapture(ctx, StartCaptureOptions{
		SessionID: "sess-lifecycle",
		Endpoint:  discovery.Endpoint{DeviceID: "desktop-1", Host: "127.0.0.1", QUICPort: 7447},
		ClockID:   "monotonic",
		CaptureParams: capture.Params{
			KeyframeIntervalSec: 1000,
			DepthStride:         1000,
			MeshIntervalSec:     1000,
		},
	})
	require.NoError(t, err)
	require.Equal(t, StateCapturing, ctrl.Status().State)
	require.Contains(t, ctrl.Status().Detail, "local-only")

	ctrl.OnFrame(capture.Frame{TimestampSec: 0})

	dir, err := ctrl.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, StateFinalized, ctrl.Status().State)
	_, err = os.Stat(filepath.Join(dir, "session.manifest.json"))
	require.NoError(t, err)

	exportDir, err := ctrl.Export("")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(exportDir, "integrity.json"))
	require.NoError(t, err)

	ctrl.ResetToIdle()
	require.Equal(t, StateIdle, ctrl.Status().State)
}

func TestControllerRejectsStartCaptureWithoutMatchingTrustRecord(t *testing.T) {
	ctrl, server, _ := buildHarness(t, func(w http.ResponseWriter, r *http.Request) {
		resp := model.PairingConfirmResponse{
			TrustRecord: model.TrustRecord{
				PeerDeviceID:              "desktop-1",
				PeerCertFingerprintSHA256: strings.Repeat("a", 64),
				Status:                    model.TrustStatusTrusted,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	ctx := context.Background()
	_, err := ctrl.Pair(ctx, qrPayload(t, server))
	require.NoError(t, err)

	err = ctrl.StartCapture(ctx, StartCaptureOptions{
		SessionID: "sess-mismatch",
		Endpoint:  discovery.Endpoint{DeviceID: "some-other-desktop"},
	})
	require.Error(t, err)
	require.Equal(t, StatePaired, ctrl.Status().State)
}

func TestControllerPairFailsOnInvalidCode(t *testing.T) {
	ctrl, server, _ := buildHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad code"}`))
	})

	_, err := ctrl.Pair(context.Background(), qrPayload(t, server))
	require.Error(t, err)
	require.Equal(t, StateIdle, ctrl.Status().State)
}

func TestControllerStateGuardsRejectOutOfOrderCalls(t *testing.T) {
	ctrl, _, _ := buildHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	err := ctrl.StartCapture(context.Background(), StartCaptureOptions{SessionID: "x"})
	require.Error(t, err, "StartCapture before Pair must fail")

	_, err = ctrl.Stop(context.Background())
	require.Error(t, err, "Stop before StartCapture must fail")
}
