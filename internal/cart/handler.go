package cart

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type createCartRequest struct {
	Currency  string            `json:"currency" validate:"required,len=3"`
	Items     []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Bill      domain.Address    `json:"bill"`
	Ship      domain.Address    `json:"ship"`
	BillEmail string            `json:"bill_email" validate:"omitempty,email"`
	BillPhone string            `json:"bill_phone"`
	Tax       decimal.Decimal   `json:"tax"`
	Shipping  decimal.Decimal   `json:"shipping"`
	Discount  decimal.Decimal   `json:"discount"`
	Settings  map[string]string `json:"settings"`
}

type lineItemRequest struct {
	Name        string            `json:"name" validate:"required"`
	SKU         string            `json:"sku" validate:"required"`
	Description string            `json:"description"`
	Quantity    int               `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal   `json:"unit_price"`
	Recurring   *recurringRequest `json:"recurring"`
}

type recurringRequest struct {
	TrialPrice        decimal.Decimal `json:"trial_price"`
	TrialLength       int             `json:"trial_length" validate:"gte=0"`
	RecurringPrice    decimal.Decimal `json:"recurring_price"`
	RecurringShipping decimal.Decimal `json:"recurring_shipping"`
	Duration          int             `json:"duration" validate:"gt=0"`
	DurationUnit      string          `json:"duration_unit" validate:"required,oneof=DAY WEEK MONTH YEAR"`
	RecurringTimes    int             `json:"recurring_times" validate:"gte=0"`
	PlanID            string          `json:"plan_id"`
}

func (req createCartRequest) toCart() *domain.Cart {
	cart := &domain.Cart{
		Currency:  req.Currency,
		Bill:      req.Bill,
		Ship:      req.Ship,
		BillEmail: req.BillEmail,
		BillPhone: req.BillPhone,
		Tax:       req.Tax,
		Shipping:  req.Shipping,
		Discount:  req.Discount,
		Settings:  req.Settings,
	}
	for _, it := range req.Items {
		item := domain.LineItem{
			Name:        it.Name,
			SKU:         it.SKU,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
		if r := it.Recurring; r != nil {
			item.Recurring = &domain.Recurring{
				TrialPrice:        r.TrialPrice,
				TrialLength:       r.TrialLength,
				RecurringPrice:    r.RecurringPrice,
				RecurringShipping: r.RecurringShipping,
				Duration:          r.Duration,
				DurationUnit:      domain.DurationUnit(r.DurationUnit),
				RecurringTimes:    r.RecurringTimes,
				PlanID:            r.PlanID,
			}
		}
		cart.Items = append(cart.Items, item)
	}
	return cart
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cart := req.toCart()
	if err := h.service.Create(r.Context(), cart); err != nil {
		h.writeServiceError(w, err, "failed to create cart", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, cart)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing cart id")
		return
	}

	cart, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get cart", id)
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

type submitRequest struct {
	Gateway   string            `json:"gateway" validate:"required"`
	ReturnURL string            `json:"return_url" validate:"omitempty,url"`
	CancelURL string            `json:"cancel_url" validate:"omitempty,url"`
	Values    map[string]string `json:"values"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Submit(r.Context(), id, req.Gateway, gateway.SubmitOptions{
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
		Values:    req.Values,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to submit cart", id)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type outcomeResponse struct {
	Kind   string          `json:"kind"`
	Result gateway.Outcome `json:"result"`
}

func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	values := make(map[string]string)
	if r.ContentLength > 0 {
		var req gateway.ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		for k, v := range req.Values {
			values[k] = v
		}
	}
	for k := range r.URL.Query() {
		values[k] = r.URL.Query().Get(k)
	}

	outcome, err := h.service.ConfirmPayment(r.Context(), id, gateway.ConfirmRequest{Values: values})
	if err != nil {
		h.writeServiceError(w, err, "failed to confirm payment", id)
		return
	}

	resp := outcomeResponse{Result: outcome}
	switch outcome.(type) {
	case *gateway.TransactionResult:
		resp.Kind = "transaction"
	case *gateway.SubscriptionResult:
		resp.Kind = "subscription"
	case *gateway.VerificationResult:
		resp.Kind = "verification"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleCancelRecurring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := h.service.CancelRecurring(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to cancel subscription", id)
		return
	}
	if result == nil {
		h.writeError(w, http.StatusUnprocessableEntity, "cart has no recurring item")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type refundRequest struct {
	TransactionID string          `json:"transaction_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
}

func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Refund(r.Context(), id, req.TransactionID, req.Amount)
	if err != nil {
		h.writeServiceError(w, err, "failed to refund payment", id)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg, cartID string) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrCartNotFound):
		h.writeError(w, http.StatusNotFound, "cart not found")
	case errors.Is(err, domain.ErrUnknownTransaction):
		h.writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, domain.ErrUnknownGateway):
		h.writeError(w, http.StatusBadRequest, "unknown gateway")
	case errors.As(err, &cfgErr):
		h.writeError(w, http.StatusUnprocessableEntity, cfgErr.Error())
	case errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrRefundNotSupported):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrInvalidLineItem),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrMultipleSubscriptions):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrIntegrity):
		h.logger.Error(msg, "error", err, "cart_id", cartID)
		h.writeError(w, http.StatusUnauthorized, "provider response failed verification")
	case errors.Is(err, domain.ErrProviderCommunication):
		h.logger.Error(msg, "error", err, "cart_id", cartID)
		h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
	case errors.Is(err, ErrLockTimeout):
		h.writeError(w, http.StatusServiceUnavailable, "cart is busy, retry later")
	default:
		h.logger.Error(msg, "error", err, "cart_id", cartID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
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
