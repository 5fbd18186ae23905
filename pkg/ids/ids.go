// Package ids implements the module's identifier and hash primitives: a
// 26-character, lexicographically sortable identifier (a 48-bit millisecond
// timestamp followed by 80 bits of randomness, Crockford base32 encoded —
// the same shape as a ULID) and SHA-256 hex hashing. No dependency in the
// retrieval pack implements a sortable identifier in this exact form, so
// this is hand-rolled stdlib, grounded on the same "opaque typed string
// with a Validate/Fingerprint method" style used across the pack's device
// identity types.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Length is the fixed width of a generated identifier.
const Length = 26

// New mints a new 26-character sortable identifier using the current wall
// clock time and crypto/rand entropy.
func New() string {
	return NewAt(time.Now())
}

// NewAt mints an identifier from an explicit timestamp, for deterministic
// tests.
func NewAt(t time.Time) string {
	var entropy [10]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		panic(fmt.Sprintf("ids: reading entropy: %v", err))
	}
	return Encode(uint64(t.UTC().UnixMilli()), entropy)
}

// Encode builds an identifier from an explicit 48-bit timestamp and 80 bits
// of entropy, exposed for deterministic tests.
func Encode(timestampMs uint64, entropy [10]byte) string {
	var buf [16]byte
	buf[0] = byte(timestampMs >> 40)
	buf[1] = byte(timestampMs >> 32)
	buf[2] = byte(timestampMs >> 24)
	buf[3] = byte(timestampMs >> 16)
	buf[4] = byte(timestampMs >> 8)
	buf[5] = byte(timestampMs)
	copy(buf[6:], entropy[:])

	return encodeCrockford(buf)
}

// encodeCrockford base32-encodes 128 bits (16 bytes) into 26 characters,
// 5 bits at a time, matching the ULID encoding.
func encodeCrockford(data [16]byte) string {
	var out [Length]byte
	// The 128 input bits don't divide evenly into 5-bit groups (128 = 25*5 + 3),
	// so the encoding operates MSB-first over a 130-bit virtual buffer, the top
	// 2 bits of which are always zero.
	out[0] = crockford[(data[0]&224)>>5]
	out[1] = crockford[data[0]&31]
	out[2] = crockford[(data[1]&248)>>3]
	out[3] = crockford[((data[1]&7)<<2)|((data[2]&192)>>6)]
	out[4] = crockford[(data[2]&62)>>1]
	out[5] = crockford[((data[2]&1)<<4)|((data[3]&240)>>4)]
	out[6] = crockford[((data[3]&15)<<1)|((data[4]&128)>>7)]
	out[7] = crockford[(data[4]&124)>>2]
	out[8] = crockford[((data[4]&3)<<3)|((data[5]&224)>>5)]
	out[9] = crockford[data[5]&31]
	out[10] = crockford[(data[6]&248)>>3]
	out[11] = crockford[((data[6]&7)<<2)|((data[7]&192)>>6)]
	out[12] = crockford[(data[7]&62)>>1]
	out[13] = crockford[((data[7]&1)<<4)|((data[8]&240)>>4)]
	out[14] = crockford[((data[8]&15)<<1)|((data[9]&128)>>7)]
	out[15] = crockford[(data[9]&124)>>2]
	out[16] = crockford[((data[9]&3)<<3)|((data[10]&224)>>5)]
	out[17] = crockford[data[10]&31]
	out[18] = crockford[(data[11]&248)>>3]
	out[19] = crockford[((data[11]&7)<<2)|((data[12]&192)>>6)]
	out[20] = crockford[(data[12]&62)>>1]
	out[21] = crockford[((data[12]&1)<<4)|((data[13]&240)>>4)]
	out[22] = crockford[((data[13]&15)<<1)|((data[14]&128)>>7)]
	out[23] = crockford[(data[14]&124)>>2]
	out[24] = crockford[((data[14]&3)<<3)|((data[15]&224)>>5)]
	out[25] = crockford[data[15]&31]
	return string(out[:])
}

// Valid reports whether id has the expected shape of a generated
// identifier: 26 characters, all from the Crockford base32 alphabet.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return !strings.ContainsRune(crockford, r)
	}) == -1
}

// SHA256Hex returns the lowercase hex SHA-256 digest of payload.
func SHA256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
