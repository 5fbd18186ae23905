package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAppliesDefaults(t *testing.T) {
	ep := Resolve(TXTFields{DisplayName: "Desktop", DeviceID: "desk-1"})
	require.Equal(t, "https", ep.PairingScheme)
	require.Equal(t, 7448, ep.PairingPort)
	require.Equal(t, 7447, ep.QUICPort)
	require.Equal(t, "", ep.PairingCertFingerprintSHA256)
}

func TestResolveHonorsExplicitFieldsAndLowercasesFingerprint(t *testing.T) {
	ep := Resolve(TXTFields{
		DisplayName:                  "Desktop",
		DeviceID:                     "desk-1",
		QUICPort:                     "9999",
		PairingScheme:                "https",
		PairingCertFingerprintSHA256: "ABCDEF0123",
	})
	require.Equal(t, 9999, ep.QUICPort)
	require.Equal(t, "abcdef0123", ep.PairingCertFingerprintSHA256)
}

func TestResolveFallsBackOnInvalidPort(t *testing.T) {
	ep := Resolve(TXTFields{QUICPort: "not-a-port"})
	require.Equal(t, 7447, ep.QUICPort)

	ep = Resolve(TXTFields{QUICPort: "70000"})
	require.Equal(t, 7447, ep.QUICPort)

	ep = Resolve(TXTFields{QUICPort: "0"})
	require.Equal(t, 7447, ep.QUICPort)
}
