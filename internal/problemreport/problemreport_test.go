package problemreport

import (
	"errors"
	"net/http"
	"testing"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

func TestIsEnvelopeLevel(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{wire.New(wire.ErrDecryptionFailed, "bad tag"), true},
		{wire.New(wire.ErrMalformed, "bad json"), true},
		{wire.New(wire.ErrUnauthenticated, "no from"), false},
		{wire.New(wire.ErrUnknownRecipient, "no keylist entry"), false},
		{errors.New("not a core error"), true},
	}
	for _, c := range cases {
		if got := IsEnvelopeLevel(c.err); got != c.want {
			t.Errorf("IsEnvelopeLevel(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestForError_SetsCodeAndThread(t *testing.T) {
	err := wire.New(wire.ErrAlreadyMediated, "connection exists")
	msg := ForError(err, "thread-7")
	if msg.Type != wire.TypeProblemReport || msg.ThreadID != "thread-7" {
		t.Fatalf("ForError() message = %+v", msg)
	}
	var body Body
	if unmarshalErr := msg.UnmarshalBody(&body); unmarshalErr != nil {
		t.Fatalf("unmarshal problem-report body: %v", unmarshalErr)
	}
	if body.Code != "already-mediated" {
		t.Errorf("code = %q, want already-mediated", body.Code)
	}
}

func TestForError_TransientEscalates(t *testing.T) {
	msg := ForError(wire.New(wire.ErrTransient, "store unreachable"), "")
	var body Body
	_ = msg.UnmarshalBody(&body)
	if body.EscalateTo != "retry-later" {
		t.Errorf("escalate_to = %q, want retry-later", body.EscalateTo)
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(wire.New(wire.ErrDecryptionFailed, "")); got != http.StatusBadRequest {
		t.Errorf("StatusFor(DecryptionFailed) = %d, want %d", got, http.StatusBadRequest)
	}
	if got := StatusFor(wire.New(wire.ErrTransient, "")); got != http.StatusServiceUnavailable {
		t.Errorf("StatusFor(Transient) = %d, want %d", got, http.StatusServiceUnavailable)
	}
}
