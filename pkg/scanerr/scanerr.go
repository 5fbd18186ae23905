// Package scanerr implements the closed error taxonomy of the data plane.
// Failures that belong to this taxonomy are returned (or wrapped) as a *Error
// rather than an ad-hoc error value, so callers can switch on Kind without
// string matching. Controller state-guard, configuration and pki failures
// are plain errors.
package scanerr

import "fmt"

// Kind is one of the finite error kinds the specification names.
type Kind string

const (
	KindInvalidCode               Kind = "InvalidCode"
	KindExpired                   Kind = "Expired"
	KindLockedOut                 Kind = "LockedOut"
	KindServerRejected            Kind = "ServerRejected"
	KindUntrustedEndpoint         Kind = "UntrustedEndpoint"
	KindQrMalformed                Kind = "QrMalformed"
	KindIdentityCorrupt            Kind = "IdentityCorrupt"
	KindLegacyMigrationIncomplete  Kind = "LegacyMigrationIncomplete"
	KindTrustStoreCorrupt          Kind = "TrustStoreCorrupt"
	KindHandshakeMismatch          Kind = "HandshakeMismatch"
	KindReplayRejected             Kind = "ReplayRejected"
	KindAeadFailure                Kind = "AeadFailure"
	KindCounterExhausted           Kind = "CounterExhausted"
	KindPayloadHashMismatch        Kind = "PayloadHashMismatch"
	KindTransportClosed            Kind = "TransportClosed"
	KindRecorderIoFailure          Kind = "RecorderIoFailure"
)

// QrReason further classifies a QrMalformed error, per §8's literal
// scenarios (SchemeNotHttps, UnsupportedVersion, FingerprintInvalid, ...).
type QrReason string

const (
	QrReasonShapeInvalid        QrReason = "ShapeInvalid"
	QrReasonSchemeNotHttps      QrReason = "SchemeNotHttps"
	QrReasonUnsupportedVersion  QrReason = "UnsupportedVersion"
	QrReasonExpired             QrReason = "Expired"
	QrReasonFingerprintInvalid  QrReason = "FingerprintInvalid"
	QrReasonSignatureInvalid    QrReason = "SignatureInvalid"
	QrReasonEndpointInvalid     QrReason = "EndpointInvalid"
)

// Error is the single sum-typed error value propagated across package
// boundaries. The fatal kinds (AEAD failure, counter rollover, handshake
// mismatch; see IsFatal) terminate the current secure-channel session;
// everything else is recoverable and carries a human-readable Detail.
type Error struct {
	Kind     Kind
	QrReason QrReason
	Detail   string
	Cause    error
}

// New builds an Error of the given kind with a human-readable detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// QrError builds a QrMalformed error carrying the specific reason.
func QrError(reason QrReason, detail string) *Error {
	return &Error{Kind: KindQrMalformed, QrReason: reason, Detail: detail}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Kind == KindQrMalformed && e.QrReason != "":
		if e.Detail != "" {
			return fmt.Sprintf("%s(%s): %s", e.Kind, e.QrReason, e.Detail)
		}
		return fmt.Sprintf("%s(%s)", e.Kind, e.QrReason)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is lets errors.Is(err, scanerr.New(KindX, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if t.QrReason != "" && e.QrReason != t.QrReason {
		return false
	}
	return true
}

// IsFatal reports whether the error kind must tear down the current secure
// channel session, per §7's propagation rules. Replay rejection is
// deliberately excluded: a frame with a stale or repeated counter is
// silently dropped, not a session-ending event.
func IsFatal(err error) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	switch se.Kind {
	case KindAeadFailure, KindCounterExhausted, KindHandshakeMismatch:
		return true
	default:
		return false
	}
}
