// Package discovery decodes the mDNS/Bonjour TXT record fields named in
// the specification's external interfaces section into a resolved
// endpoint. The browse itself — discovering the service on the LAN — is
// an external collaborator outside this module's scope; this package
// only parses what the browser found.
package discovery

import "strings"

const (
	defaultPairingScheme = "https"
	defaultPairingPort   = 7448
	defaultQUICPort      = 7447
)

// TXTFields is the raw set of TXT record keys the core consumes.
type TXTFields struct {
	DisplayName                  string
	DeviceID                     string
	QUICPort                     string
	PairingScheme                string
	PairingCertFingerprintSHA256 string
}

// Endpoint is the resolved, defaulted, normalized service-discovery
// record. Host is not a TXT field: it comes from the mDNS browser's own
// service resolution (A/AAAA lookup), so callers fill it in after
// Resolve returns the TXT-derived fields.
type Endpoint struct {
	DisplayName                  string
	DeviceID                     string
	Host                         string
	PairingScheme                string
	PairingPort                  int
	QUICPort                     int
	PairingCertFingerprintSHA256 string
}

// Resolve applies the §6 defaults (scheme "https", pairing port 7448,
// QUIC port 7447) and lowercases the pinned fingerprint.
func Resolve(fields TXTFields) Endpoint {
	scheme := fields.PairingScheme
	if scheme == "" {
		scheme = defaultPairingScheme
	}

	return Endpoint{
		DisplayName:                  fields.DisplayName,
		DeviceID:                     fields.DeviceID,
		PairingScheme:                scheme,
		PairingPort:                  defaultPairingPort,
		QUICPort:                     parsePortOrDefault(fields.QUICPort, defaultQUICPort),
		PairingCertFingerprintSHA256: strings.ToLower(fields.PairingCertFingerprintSHA256),
	}
}

func parsePortOrDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if n < 1 || n > 65535 {
		return fallback
	}
	return n
}
