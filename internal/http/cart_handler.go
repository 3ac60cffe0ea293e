package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/logger"
	"github.com/fjod/storefront-cart/internal/repository"
	"github.com/fjod/storefront-cart/internal/service"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var errEmailMismatch = errors.New("email does not match authenticated user")

// CartService is the subset of the service layer the handlers use.
type CartService interface {
	GetCart(ctx context.Context, email string) (*domain.Cart, error)
	AddLine(ctx context.Context, email string, line domain.CartLine) (domain.CartLine, bool, error)
	UpdateQuantity(ctx context.Context, upd repository.LineUpdate) (domain.CartLine, error)
	RemoveLine(ctx context.Context, email, lineID string) error
}

type CartHandler struct {
	service  CartService
	timeout  time.Duration
	validate *validator.Validate
}

func NewCartHandler(service CartService, timeout time.Duration) *CartHandler {
	return &CartHandler{
		service:  service,
		timeout:  timeout,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type AddLineRequestDTO struct {
	Email         string       `json:"email" validate:"required,email"`
	ProductID     string       `json:"productId" validate:"required"`
	Title         string       `json:"title" validate:"required"`
	Price         domain.Price `json:"price"`
	Currency      string       `json:"currency" validate:"omitempty,max=8"`
	ImageURL      string       `json:"imageUrl" validate:"omitempty,url"`
	Quantity      int          `json:"quantity" validate:"min=1,max=99"`
	SelectedColor *string      `json:"selectedColor"`
	SelectedSize  *string      `json:"selectedSize"`
}

type UpdateQuantityRequestDTO struct {
	ID            string  `json:"id" validate:"required"`
	Quantity      int     `json:"quantity" validate:"min=1,max=99"`
	SelectedColor *string `json:"selectedColor"`
	SelectedSize  *string `json:"selectedSize"`
}

type RemoveLineRequestDTO struct {
	ID string `json:"id" validate:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	email, err := resolveEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if email == "" {
		respondError(w, http.StatusBadRequest, "invalid_email", "email query parameter is required")
		return
	}

	cart, err := h.service.GetCart(ctx, email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	lines := cart.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	respondJSON(w, http.StatusOK, lines)
}

func (h *CartHandler) AddLine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddLineRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	email, err := resolveEmail(r.Context(), req.Email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	req.Email = email

	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}
	if req.Price.Decimal().IsNegative() {
		respondError(w, http.StatusBadRequest, "invalid_price", "price must not be negative")
		return
	}

	line := domain.CartLine{
		ProductID:     req.ProductID,
		Title:         req.Title,
		UnitPrice:     req.Price,
		Currency:      req.Currency,
		ImageURL:      req.ImageURL,
		SelectedColor: domain.Selector(req.SelectedColor),
		SelectedSize:  domain.Selector(req.SelectedSize),
		Quantity:      req.Quantity,
	}

	stored, merged, err := h.service.AddLine(ctx, email, line)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	respondJSON(w, status, stored)
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	updated, err := h.service.UpdateQuantity(ctx, repository.LineUpdate{
		Email:    EmailFromContext(r.Context()),
		LineID:   req.ID,
		Color:    req.SelectedColor,
		Size:     req.SelectedSize,
		Quantity: req.Quantity,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

func (h *CartHandler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req RemoveLineRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	if err := h.service.RemoveLine(ctx, EmailFromContext(r.Context()), req.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// resolveEmail picks the account a request acts on. An authenticated email
// wins; a different email in the request is refused.
func resolveEmail(ctx context.Context, requested string) (string, error) {
	requested = normalizeEmail(requested)
	authenticated := EmailFromContext(ctx)
	if authenticated == "" {
		return requested, nil
	}
	if requested != "" && requested != authenticated {
		return "", errEmailMismatch
	}
	return authenticated, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func respondValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Code:    "validation_failed",
			Details: strings.Join(fields, ","),
		})
		return
	}
	respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errEmailMismatch):
		respondError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidLine),
		errors.Is(err, service.ErrMissingEmail):
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, repository.ErrLineNotFound), errors.Is(err, repository.ErrCartNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repository.ErrConcurrentUpdate):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		logger.FromContext(r.Context()).Error("cart request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
