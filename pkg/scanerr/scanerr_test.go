package scanerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(KindAeadFailure, "")))
	assert.True(t, IsFatal(New(KindCounterExhausted, "")))
	assert.True(t, IsFatal(New(KindHandshakeMismatch, "")))
	assert.False(t, IsFatal(New(KindReplayRejected, "")))
	assert.False(t, IsFatal(New(KindInvalidCode, "")))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestErrorsIsByKind(t *testing.T) {
	err := QrError(QrReasonSchemeNotHttps, "http scheme")
	assert.True(t, errors.Is(err, New(KindQrMalformed, "")))
	assert.True(t, errors.Is(err, QrError(QrReasonSchemeNotHttps, "")))
	assert.False(t, errors.Is(err, QrError(QrReasonExpired, "")))
	assert.False(t, errors.Is(err, New(KindExpired, "")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindRecorderIoFailure, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}
