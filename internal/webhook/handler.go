package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/minershop/offer-sync/internal/models"
	"github.com/minershop/offer-sync/internal/processor"
)

const maxBodyBytes = 10 << 20 // media payloads arrive inline as base64

// Ingester stores one inbound message and reconciles its offers.
type Ingester interface {
	Ingest(ctx context.Context, source string, in models.IncomingMessage) (processor.IngestResult, error)
}

// MessageCounter counts stored messages; chatType "" counts all.
type MessageCounter interface {
	CountMessages(ctx context.Context, chatType string) (int64, error)
}

// Response is the envelope returned by the ingest and health endpoints.
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	IsUpdate  bool   `json:"isUpdate"`
}

// CountResponse is returned by the message count endpoint.
type CountResponse struct {
	Total    int64 `json:"total"`
	Groups   int64 `json:"groups"`
	Personal int64 `json:"personal"`
}

type Handler struct {
	ingester Ingester
	counter  MessageCounter
	apiKey   string
	limiter  *rate.Limiter
}

// NewHandler builds the webhook endpoints. An empty apiKey disables the X-API-Key check;
// a non-positive rps disables throttling.
func NewHandler(ingester Ingester, counter MessageCounter, apiKey string, rps float64, burst int) *Handler {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Handler{
		ingester: ingester,
		counter:  counter,
		apiKey:   apiKey,
		limiter:  rate.NewLimiter(limit, max(burst, 1)),
	}
}

// Register mounts the endpoints under /api/webhook.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/webhook/whatsapp", h.guard(h.ingest(models.SourceWhatsApp)))
	mux.Handle("POST /api/webhook/telegram", h.guard(h.ingest(models.SourceTelegram)))
	mux.HandleFunc("GET /api/webhook/health", h.health)
	mux.HandleFunc("GET /api/webhook/messages/count", h.count)
}

// guard applies the API key check and the ingress rate limit.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(h.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, Response{Message: "invalid API key"})
			return
		}
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, Response{Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ingest(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in models.IncomingMessage
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Message: fmt.Sprintf("malformed JSON: %v", err)})
			return
		}

		slog.Info("Webhook message received",
			"source", source,
			"messageId", in.MessageID,
			"chatId", in.ChatID,
			"hasParsedData", in.HasParsedData())

		res, err := h.ingester.Ingest(r.Context(), source, in)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				slog.Error("Failed to store webhook message", "source", source, "messageId", in.MessageID, "error", err)
			}
			writeJSON(w, status, Response{Message: "failed to save message: " + err.Error()})
			return
		}

		msg := "message saved"
		if res.IsUpdate {
			msg = "message saved and existing offers updated"
		}
		writeJSON(w, http.StatusOK, Response{
			Success:   true,
			Message:   msg,
			MessageID: res.MessageID,
			IsUpdate:  res.IsUpdate,
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrMessageInFlight):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	total, err := h.counter.CountMessages(r.Context(), "")
	if err != nil {
		slog.Error("Health check failed to count messages", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: fmt.Sprintf("ok, messages stored: %d", total)})
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	var resp CountResponse
	for _, c := range []struct {
		chatType string
		dst      *int64
	}{
		{"", &resp.Total},
		{models.ChatTypeGroup, &resp.Groups},
		{models.ChatTypePersonal, &resp.Personal},
	} {
		n, err := h.counter.CountMessages(r.Context(), c.chatType)
		if err != nil {
			slog.Error("Failed to count messages", "chatType", c.chatType, "error", err)
			writeJSON(w, http.StatusInternalServerError, Response{Message: "failed to count messages"})
			return
		}
		*c.dst = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
