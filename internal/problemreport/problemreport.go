// Package problemreport implements C9, mapping internal error kinds to
// either a DIDComm problem-report message or a transport-level status,
// per the propagation policy: envelope-level failures never reach a
// DIDComm response, authenticated-handler failures become a
// problem-report, Forward failures are logged only.
package problemreport

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// Body is the problem-report message body (report-problem/2.0).
type Body struct {
	Code       string `json:"code"`
	Comment    string `json:"comment,omitempty"`
	EscalateTo string `json:"escalate_to,omitempty"`
}

// code mirrors an ErrorKind as a stable, lowercase, hyphenated string —
// the value DIDComm's report-problem/2.0 "code" field expects.
var code = [...]string{
	wire.ErrMalformed:             "malformed",
	wire.ErrUnsupportedAlgorithm:  "unsupported-algorithm",
	wire.ErrRecipientKeyNotLocal:  "recipient-key-not-local",
	wire.ErrDecryptionFailed:      "decryption-failed",
	wire.ErrSignatureInvalid:      "signature-invalid",
	wire.ErrSenderResolutionFailed: "sender-resolution-failed",
	wire.ErrNotAddressedHere:      "not-addressed-here",
	wire.ErrUnknownMessageType:    "unknown-message-type",
	wire.ErrUnauthenticated:       "unauthenticated",
	wire.ErrUnknownConnection:     "unknown-connection",
	wire.ErrAlreadyMediated:       "already-mediated",
	wire.ErrKeylistConflict:       "keylist-conflict",
	wire.ErrUnknownRecipient:      "unknown-recipient",
	wire.ErrInvalidRotation:       "invalid-rotation",
	wire.ErrMailboxQuotaExceeded:  "mailbox-quota-exceeded",
	wire.ErrTransient:             "storage-unavailable",
	wire.ErrCancelled:             "cancelled",
}

// envelopeLevel is the set of kinds that never produce a DIDComm
// response: we cannot authenticate a reply target for them. The
// transport instead returns a generic failure status (see StatusFor).
var envelopeLevel = map[wire.ErrorKind]bool{
	wire.ErrMalformed:              true,
	wire.ErrDecryptionFailed:       true,
	wire.ErrUnsupportedAlgorithm:   true,
	wire.ErrRecipientKeyNotLocal:   true,
	wire.ErrSignatureInvalid:       true,
	wire.ErrSenderResolutionFailed: true,
}

// IsEnvelopeLevel reports whether err's kind must never become a DIDComm
// response, per the envelope-level propagation rule. Non-CoreError
// inputs are treated as envelope-level (fail closed — never guess a
// reply target for an error this package doesn't recognize).
func IsEnvelopeLevel(err error) bool {
	var ce *wire.CoreError
	if !errors.As(err, &ce) {
		return true
	}
	return envelopeLevel[ce.Kind]
}

// ForError builds the problem-report message for err, suitable for an
// authenticated sender. It builds a report for any kind, envelope-level
// ones included: the dispatcher calls it for every post-unpack failure of
// an authenticated, non-Forward message, whose reply target is known.
func ForError(err error, threadID string) *wire.Message {
	var ce *wire.CoreError
	kind := wire.ErrTransient
	comment := err.Error()
	if errors.As(err, &ce) {
		kind = ce.Kind
		comment = ce.Comment
	}

	body := Body{Code: CodeFor(kind), Comment: comment}
	if kind == wire.ErrTransient {
		body.EscalateTo = "retry-later"
	}

	msg := &wire.Message{ID: uuid.NewString(), Type: wire.TypeProblemReport, ThreadID: threadID}
	_ = msg.SetBody(body)
	return msg
}

// CodeFor returns the stable problem-report code string for kind.
func CodeFor(kind wire.ErrorKind) string {
	if int(kind) >= 0 && int(kind) < len(code) && code[kind] != "" {
		return code[kind]
	}
	return "internal-error"
}

// StatusFor maps an envelope-level failure (one that can never carry a
// DIDComm response) to an HTTP transport status. Used only on the
// pre-dispatch unpack path.
func StatusFor(err error) int {
	var ce *wire.CoreError
	if !errors.As(err, &ce) {
		return http.StatusBadRequest
	}
	switch ce.Kind {
	case wire.ErrTransient:
		return http.StatusServiceUnavailable
	case wire.ErrCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}
