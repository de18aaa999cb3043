package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/coder/websocket"

	"github.com/careline-ai/careline/internal/scheduler"
	"github.com/careline-ai/careline/pkg/store"
)

// StatusHandler applies a telephony status callback to the scheduler's
// delivery bookkeeping. internal/scheduler.Scheduler.HandleStatusCallback
// implements this.
type StatusHandler interface {
	HandleStatusCallback(ctx context.Context, reminderID, callSID string, answered bool) error
}

// ServerConfig collects the webhook server's dependencies and the answering
// TwiML-equivalent response.
type ServerConfig struct {
	// AuthToken is the telephony provider's shared secret used to verify
	// webhook signatures (§6 "signature verification against the telephony
	// provider's shared secret").
	AuthToken string

	// StreamURL is the public wss:// URL the answer response should direct
	// the provider to open a media stream against.
	StreamURL string
}

// Server exposes the HTTP webhooks a telephony provider calls into: an
// answer webhook returning connect instructions, a status callback updating
// delivery outcomes, and the media-stream WebSocket upgrade. Grounded on
// internal/health.Handler's Register(mux) pattern.
type Server struct {
	cfg     ServerConfig
	status  StatusHandler
	convos  store.Conversations
	streams *MediaStream
}

// NewServer creates a Server. status and convos may be nil in tests that
// only exercise the stream endpoint.
func NewServer(cfg ServerConfig, status StatusHandler, convos store.Conversations, streams *MediaStream) *Server {
	return &Server{cfg: cfg, status: status, convos: convos, streams: streams}
}

// Register wires the server's endpoints onto mux, wrapping the POST
// webhooks in signature verification.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/voice/answer", s.verifySignature(http.HandlerFunc(s.handleAnswer)))
	mux.Handle("/voice/status", s.verifySignature(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("/voice/stream", s.handleStream)
}

// answerResponse is the minimal connect-to-stream instruction returned to
// the telephony provider from the answer webhook.
type answerResponse struct {
	Connect struct {
		Stream struct {
			URL string `json:"url"`
		} `json:"stream"`
	} `json:"connect"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	resp := answerResponse{}
	resp.Connect.Stream.URL = s.cfg.StreamURL
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	status := strings.ToLower(r.FormValue("CallStatus"))
	reminderID := r.URL.Query().Get("reminder_id")

	answered := status == "completed" || status == "in-progress" || status == "answered"

	if s.status != nil {
		if err := s.status.HandleStatusCallback(r.Context(), reminderID, callSID, answered); err != nil {
			slog.Error("telephony: status callback handling failed", "call_sid", callSID, "error", err)
		}
	}

	if !answered {
		s.completeUnconnectedConversation(r.Context(), callSID, status)
	}

	w.WriteHeader(http.StatusNoContent)
}

// completeUnconnectedConversation marks a Conversation row terminal for
// calls that failed before any media stream opened (busy, no-answer,
// failed). Calls that never connected have no Conversation row at all, in
// which case this is a no-op; the ConversationInProgress guard protects
// against a status callback racing the stream's own completion.
func (s *Server) completeUnconnectedConversation(ctx context.Context, callSID, status string) {
	if s.convos == nil || callSID == "" {
		return
	}
	conv, err := s.convos.GetByCallSID(ctx, callSID)
	if err != nil || conv == nil || conv.Status != store.ConversationInProgress {
		return
	}

	var terminal store.ConversationStatus
	switch status {
	case "busy":
		terminal = store.ConversationBusy
	case "no-answer", "no_answer":
		terminal = store.ConversationNoAnswer
	default:
		terminal = store.ConversationFailed
	}
	if err := s.convos.Complete(ctx, conv.ID, terminal, "", "", conv.StartedAt); err != nil {
		slog.Error("telephony: mark conversation terminal failed", "call_sid", callSID, "error", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("telephony: websocket accept failed", "error", err)
		return
	}
	if err := s.streams.Serve(r.Context(), conn); err != nil {
		slog.Warn("telephony: media stream ended", "error", err)
	}
}

// verifySignature wraps next in HMAC-SHA1 signature verification against
// the telephony provider's shared secret, computed over the full request
// URL and the sorted form parameters concatenated as key+value pairs (§6),
// base64-encoded and compared to the X-Signature header.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		want := r.Header.Get("X-Signature")
		if want == "" || !hmac.Equal([]byte(want), []byte(s.computeSignature(r))) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) computeSignature(r *http.Request) string {
	base := requestURL(r)

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(r.PostForm.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(s.cfg.AuthToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// requestURL reconstructs the full URL the provider originally requested,
// accounting for a reverse proxy terminating TLS.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
