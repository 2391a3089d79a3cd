package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	pipeline *Pipeline
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandler(pipeline *Pipeline, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleNotification accepts a provider notification as a form body or
// query string and writes the provider's acknowledgment.
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("gateway")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}

	n := gateway.Notification{
		Fields:     make(map[string]string, len(r.Form)),
		Credential: basicCredential(r),
		ReceivedAt: h.now(),
	}
	for k := range r.Form {
		n.Fields[k] = r.Form.Get(k)
	}

	res, err := h.pipeline.Handle(r.Context(), name, n)
	if err != nil {
		var cfgErr *domain.ConfigurationError
		switch {
		case errors.Is(err, domain.ErrUnknownGateway), errors.Is(err, ErrNotSupported):
			h.writeError(w, http.StatusNotFound, "unknown gateway")
		case errors.Is(err, domain.ErrIntegrity):
			h.writeError(w, http.StatusUnauthorized, "notification failed verification")
		case errors.As(err, &cfgErr):
			h.logger.Error("gateway misconfigured for notifications", "error", err, "gateway", name)
			h.writeError(w, http.StatusInternalServerError, "gateway misconfigured")
		default:
			h.logger.Error("failed to handle notification", "error", err, "gateway", name, "cart_id", res.CartID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeAck(w, res.Ack)
}

func (h *Handler) writeAck(w http.ResponseWriter, ack gateway.Ack) {
	if ack.Status == 0 {
		ack.Status = http.StatusOK
	}
	if ack.ContentType == "" {
		ack.ContentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ack.ContentType)
	w.WriteHeader(ack.Status)
	if _, err := w.Write([]byte(ack.Body)); err != nil {
		h.logger.Error("failed to write acknowledgment", "error", err)
	}
}

// basicCredential returns the raw token of an Authorization: Basic header.
func basicCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
