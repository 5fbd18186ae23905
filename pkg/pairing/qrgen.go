package pairing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/skip2/go-qrcode"
)

// EncodeQRPNGBase64 renders raw bytes (a pairing QR payload's JSON
// encoding) as a base64 PNG image, the shape a support tool or a test
// harness needs to display a scannable code for the bootstrap env var
// SCAN_QR_PAYLOAD_PATH flow without a companion desktop process running.
func EncodeQRPNGBase64(payload []byte, size int) (string, error) {
	if size == 0 {
		size = 256
	}

	code, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("pairing: failed to build QR code: %w", err)
	}

	var buf bytes.Buffer
	encoder := base64.NewEncoder(base64.StdEncoding, &buf)
	if err := png.Encode(encoder, code.Image(size)); err != nil {
		return "", err
	}
	if err := encoder.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
