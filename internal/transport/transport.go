// Package transport implements C8: the HTTP boundary between the wire and
// the dispatcher (C7). It is deliberately thin — framing only, per
// spec.md's "not part of the core's algorithmic design" — built on
// gorilla/mux for routing, mirroring the teacher pack's Chartly gateway
// router (a panic-recovery middleware, then handler).
package transport

import (
	"context"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"github.com/layr8/didcomm-mediator/internal/dispatch"
	"github.com/layr8/didcomm-mediator/internal/problemreport"
)

const didcommContentType = "application/didcomm-encrypted+json"

// Server is the mediator's single inbound HTTP boundary: the synchronous
// request/response endpoint (C8's on_inbound contract) plus the
// live-delivery WebSocket upgrade and an operator health route.
type Server struct {
	Dispatch *dispatch.Engine
	Logger   *log.Logger

	router *mux.Router
}

// NewServer builds the HTTP handler. path defaults to "/" per spec §6's
// recommendation.
func NewServer(d *dispatch.Engine, logger *log.Logger, inboundPath string) *Server {
	if inboundPath == "" {
		inboundPath = "/"
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{Dispatch: d, Logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(inboundPath, s.handleInbound).Methods(http.MethodPost)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.recoverer(s.router).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleInbound is C8's on_inbound(bytes) -> bytes? contract: read the
// envelope, dispatch it, write back whatever bytes (if any) the
// dispatcher produced. A live-delivery-change attach arriving here still
// works — the handler just has nowhere to stream from, so the caller
// should use /live for that message type instead.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("content-type"); ct != didcommContentType {
		http.Error(w, "unsupported media type, want "+didcommContentType, http.StatusUnsupportedMediaType)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	outcome, err := s.Dispatch.Dispatch(ctx, raw)
	if err != nil {
		status := statusForEnvelopeError(err)
		http.Error(w, "unpack failed", status)
		return
	}
	if outcome == nil || outcome.ResponseBytes == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("content-type", didcommContentType)
	w.Write(outcome.ResponseBytes)
}

// statusForEnvelopeError maps an envelope-level unpack failure to the HTTP
// status the caller sees, since no DIDComm problem-report can be sent back
// for a sender that could not be authenticated.
func statusForEnvelopeError(err error) int {
	return problemreport.StatusFor(err)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Logger.Printf("transport: panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
