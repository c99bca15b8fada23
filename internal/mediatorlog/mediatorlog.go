// Package mediatorlog is the mediator's internal error sink: structured,
// single-line JSON logs for failures the dispatcher absorbs without a
// DIDComm response (Forward drops, anonymous-sender failures, problem-reports
// that could not be packed); envelope-level rejects are returned to the
// transport instead and do not reach this sink. The sink follows the shape
// of the teacher's SDKError / ErrorHandler / LogErrors.
package mediatorlog

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// Entry is one dropped or absorbed error, routed here because it has no
// direct caller to return to.
type Entry struct {
	Kind      string    `json:"kind"`
	MessageID string    `json:"message_id,omitempty"`
	Type      string    `json:"type,omitempty"`
	From      string    `json:"from,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is called for every error the dispatcher could not turn into a
// DIDComm response.
type Sink func(Entry)

// JSONLines returns a Sink that writes one JSON object per line to
// logger, mirroring the teacher's LogErrors(logger) helper.
func JSONLines(logger *log.Logger) Sink {
	return func(e Entry) {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		b, err := json.Marshal(e)
		if err != nil {
			logger.Printf(`{"level":"error","msg":"mediatorlog marshal failed: %v"}`, err)
			return
		}
		logger.Println(string(b))
	}
}

// DispatchErrorSink adapts Sink to dispatch.ErrorSink's
// (msgType, senderDID string, err error) shape.
func DispatchErrorSink(sink Sink) func(msgType, senderDID string, err error) {
	return func(msgType, senderDID string, err error) {
		entry := Entry{Kind: "internal-error", Type: msgType, From: senderDID, Comment: err.Error()}
		var ce *wire.CoreError
		if errors.As(err, &ce) {
			entry.Kind = ce.Kind.String()
			entry.Comment = ce.Comment
		}
		sink(entry)
	}
}
