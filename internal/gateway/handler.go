package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
	}
}

type validateResponse struct {
	Gateway string `json:"gateway"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("name"))
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "missing gateway name")
		return
	}

	if !slices.Contains(h.registry.Names(), name) {
		h.writeError(w, http.StatusNotFound, "gateway not found")
		return
	}

	valid, message := h.registry.Validate(r.Context(), name)
	if !valid {
		h.logger.Warn("gateway validation failed", "gateway", name, "message", message)
	}

	h.writeJSON(w, http.StatusOK, validateResponse{Gateway: name, Valid: valid, Message: message})
}

func (h *Handler) HandleList(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"gateways": h.registry.Names()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
