package pairing

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeQRPNGBase64ProducesDecodablePNG(t *testing.T) {
	out, err := EncodeQRPNGBase64([]byte(`{"pairing_token":"tok"}`), 0)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	raw, err := base64.StdEncoding.DecodeString(out)
	require.NoError(t, err)
	require.True(t, len(raw) > 8)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, raw[:4])
}

func TestEncodeQRPNGBase64RejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, 10_000)
	for i := range huge {
		huge[i] = 'x'
	}
	_, err := EncodeQRPNGBase64(huge, 0)
	require.Error(t, err)
}
