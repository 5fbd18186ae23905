// Command pairqr is a development aid: it renders a pairing QR payload
// JSON file as a base64 PNG, so the bootstrap SCAN_QR_PAYLOAD_PATH flow
// exercised by cmd/scanner can be tested end to end without a running
// desktop pairing service generating the code.
package main

import (
	"fmt"
	"os"
	"scan/pkg/pairing"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pairqr <qr-payload.json>")
		os.Exit(2)
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "pairqr:", err)
		os.Exit(1)
	}

	if _, err := pairing.ValidateQR(raw); err != nil {
		fmt.Fprintln(os.Stderr, "pairqr: payload failed validation:", err)
		os.Exit(1)
	}

	b64, err := pairing.EncodeQRPNGBase64(raw, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pairqr:", err)
		os.Exit(1)
	}
	fmt.Println(b64)
}
