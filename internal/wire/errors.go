package wire

import "fmt"

// ErrorKind classifies the failures the mediator core can produce, per the
// propagation policy: envelope-level kinds never reach a DIDComm response,
// authenticated-handler kinds become a problem-report, Forward kinds are
// logged only.
type ErrorKind int

const (
	ErrMalformed ErrorKind = iota
	ErrUnsupportedAlgorithm
	ErrRecipientKeyNotLocal
	ErrDecryptionFailed
	ErrSignatureInvalid
	ErrSenderResolutionFailed
	ErrNotAddressedHere
	ErrUnknownMessageType
	ErrUnauthenticated
	ErrUnknownConnection
	ErrAlreadyMediated
	ErrKeylistConflict
	ErrUnknownRecipient
	ErrInvalidRotation
	ErrMailboxQuotaExceeded
	ErrTransient
	ErrCancelled
)

var errorKindNames = [...]string{
	ErrMalformed:             "Malformed",
	ErrUnsupportedAlgorithm:  "UnsupportedAlgorithm",
	ErrRecipientKeyNotLocal:  "RecipientKeyNotLocal",
	ErrDecryptionFailed:      "DecryptionFailed",
	ErrSignatureInvalid:      "SignatureInvalid",
	ErrSenderResolutionFailed: "SenderResolutionFailed",
	ErrNotAddressedHere:      "NotAddressedHere",
	ErrUnknownMessageType:    "UnknownMessageType",
	ErrUnauthenticated:       "Unauthenticated",
	ErrUnknownConnection:     "UnknownConnection",
	ErrAlreadyMediated:       "AlreadyMediated",
	ErrKeylistConflict:       "KeylistConflict",
	ErrUnknownRecipient:      "UnknownRecipient",
	ErrInvalidRotation:       "InvalidRotation",
	ErrMailboxQuotaExceeded:  "MailboxQuotaExceeded",
	ErrTransient:             "Transient",
	ErrCancelled:             "Cancelled",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// CoreError is the typed error carried through the pipeline so the
// dispatcher and error mapper (C9) can translate it without string
// matching.
type CoreError struct {
	Kind    ErrorKind
	Comment string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Comment, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Comment)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New builds a CoreError of the given kind.
func New(kind ErrorKind, comment string) *CoreError {
	return &CoreError{Kind: kind, Comment: comment}
}

// Wrap builds a CoreError of the given kind wrapping cause.
func Wrap(kind ErrorKind, comment string, cause error) *CoreError {
	return &CoreError{Kind: kind, Comment: comment, Cause: cause}
}
