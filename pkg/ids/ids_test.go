package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewShapeAndUniqueness(t *testing.T) {
	a := New()
	b := New()
	assert.Len(t, a, Length)
	assert.Len(t, b, Length)
	assert.True(t, Valid(a))
	assert.True(t, Valid(b))
	assert.NotEqual(t, a, b)
}

func TestSortableByTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Millisecond)

	earlier := NewAt(t0)
	later := NewAt(t1)

	assert.Less(t, earlier, later)
}

func TestEncodeDeterministic(t *testing.T) {
	var entropy [10]byte
	got := Encode(0, entropy)
	assert.Equal(t, "00000000000000000000000000"[:Length], got)
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5",
		SHA256Hex([]byte("payload")))
}

func TestValidRejectsBadInput(t *testing.T) {
	assert.False(t, Valid("too-short"))
	assert.False(t, Valid("ILOU0000000000000000000000")) // right length, but contains letters excluded from the alphabet
}
