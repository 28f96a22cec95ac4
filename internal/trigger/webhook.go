// internal/trigger/webhook.go
package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/RustingSword/jarvis/internal/bus"
)

// WebhookServer accepts external pushes and turns them into triggers.
// Requests must carry the shared token in X-Webhook-Token when one is
// configured.
type WebhookServer struct {
	bus    *bus.Bus
	token  string
	chatID string
	mux    *http.ServeMux
	srv    *http.Server
}

// webhookRequest is the JSON body for POST /webhook. ChatID may be
// omitted when the server has a default chat.
type webhookRequest struct {
	Name    string `json:"name"`
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

func NewWebhookServer(b *bus.Bus, addr, token, defaultChatID string) *WebhookServer {
	s := &WebhookServer{bus: b, token: token, chatID: defaultChatID, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *WebhookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens in a background goroutine.
func (s *WebhookServer) Start() {
	go func() {
		slog.Info("webhook server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *WebhookServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *WebhookServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		got := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = s.chatID
	}
	if chatID == "" {
		http.Error(w, `{"error":"chat_id is required"}`, http.StatusBadRequest)
		return
	}
	name := req.Name
	if name == "" {
		name = "webhook"
	}

	s.bus.Publish(r.Context(), bus.TriggerFired, bus.Trigger{
		Kind:    "webhook",
		Name:    name,
		ChatID:  chatID,
		Message: req.Message,
	})

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"queued"}`)
}
