// Package api exposes reconciliation over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"depositrecon/internal/common/api"
	"depositrecon/internal/common/database"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
)

// Handler handles reconciliation HTTP requests
type Handler struct {
	service *recon.Service
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler
func NewHandler(service *recon.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the reconciliation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Invoice routes
	r.Post("/invoices", h.CreateInvoice)
	r.Get("/invoices/by-number/{number}", h.GetInvoiceByNumber)
	r.Get("/invoices/{id}", h.GetInvoice)
	r.Get("/invoices/{id}/status", h.GetInvoiceStatus)
	r.Get("/invoices/{id}/transactions", h.GetInvoiceTransactions)
	r.Post("/invoices/{id}/addresses", h.AddAddress)
	r.Post("/invoices/{id}/addresses/generate", h.GenerateAddress)
	r.Post("/invoices/{id}/cancel", h.CancelInvoice)
	r.Post("/invoices/{id}/deposits", h.ApplyDeposit)
	r.Post("/invoices/{id}/sync", h.SyncInvoice)
	r.Post("/invoices/{id}/confirm", h.ConfirmByHash)

	// Deposit feed
	r.Post("/deposits/batch", h.ApplyDepositsBatch)

	// Prepaid routes
	r.Post("/prepaid-invoices", h.CreatePrepaid)
	r.Get("/prepaid-invoices/{id}", h.GetPrepaid)
	r.Post("/prepaid-invoices/{id}/sync", h.SyncPrepaid)

	return r
}

// CreateInvoiceRequest is the API request for opening an invoice
type CreateInvoiceRequest struct {
	Number     string `json:"invoice_number" validate:"max=64"`
	Amount     string `json:"amount" validate:"required,numeric"`
	Currency   string `json:"currency" validate:"required,max=16"`
	CustomerID string `json:"customer_id" validate:"omitempty,uuid"`
	TTLSeconds int64  `json:"ttl_seconds" validate:"gte=0"`
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		api.BadRequest(w, "invalid amount")
		return
	}
	customerID, err := domain.ParseCustomerID(req.CustomerID)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), recon.CreateInvoiceInput{
		Number:     req.Number,
		Expected:   money.New(amount, req.Currency),
		CustomerID: customerID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, r, err, "failed to create invoice")
		return
	}

	api.WriteData(w, http.StatusCreated, invoiceResponse(inv))
}

// GetInvoice handles GET /invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "failed to get invoice")
		return
	}
	api.WriteData(w, http.StatusOK, invoiceResponse(inv))
}

// GetInvoiceByNumber handles GET /invoices/by-number/{number}
func (h *Handler) GetInvoiceByNumber(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetInvoiceByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err, "failed to get invoice")
		return
	}
	api.WriteData(w, http.StatusOK, invoiceResponse(inv))
}

// GetInvoiceStatus handles GET /invoices/{id}/status
func (h *Handler) GetInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetInvoiceStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "failed to get invoice status")
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// GetInvoiceTransactions handles GET /invoices/{id}/transactions
func (h *Handler) GetInvoiceTransactions(w http.ResponseWriter, r *http.Request) {
	q := recon.TransactionsQuery{}
	if v := r.URL.Query().Get("owned"); v != "" {
		owned, err := strconv.ParseBool(v)
		if err != nil {
			api.BadRequest(w, "owned must be a boolean")
			return
		}
		q.OwnedOnly = owned
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			api.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.BadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		q.Since = since
	}

	txs, err := h.service.GetInvoiceTransactions(r.Context(), chi.URLParam(r, "id"), q)
	if err != nil {
		h.writeError(w, r, err, "failed to list transactions")
		return
	}
	api.WriteData(w, http.StatusOK, txs)
}

// AddAddressRequest reserves an exchange address for an invoice
type AddAddressRequest struct {
	WalletID int64  `json:"wallet_id" validate:"required,gt=0"`
	Currency string `json:"currency" validate:"required"`
	Address  string `json:"address" validate:"required"`
	Network  string `json:"network"`
	Tag      string `json:"tag"`
}

// AddAddress handles POST /invoices/{id}/addresses
func (h *Handler) AddAddress(w http.ResponseWriter, r *http.Request) {
	var req AddAddressRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	addr, err := domain.NewChainAddress(req.Address, req.Network, req.Tag)
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	wallet, err := domain.NewWalletRef(req.WalletID, req.Currency)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.AddAddressToInvoice(r.Context(), chi.URLParam(r, "id"), addr, wallet)
	if err != nil {
		h.writeError(w, r, err, "failed to add address")
		return
	}
	api.WriteData(w, http.StatusOK, invoiceResponse(inv))
}

// GenerateAddressRequest asks the exchange for a fresh address
type GenerateAddressRequest struct {
	Currency string `json:"currency" validate:"required"`
	Network  string `json:"network"`
}

// GenerateAddress handles POST /invoices/{id}/addresses/generate
func (h *Handler) GenerateAddress(w http.ResponseWriter, r *http.Request) {
	var req GenerateAddressRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	gen, err := h.service.GenerateAndAttachAddress(r.Context(), chi.URLParam(r, "id"), req.Currency, req.Network)
	if err != nil {
		h.writeError(w, r, err, "failed to generate address")
		return
	}
	api.WriteData(w, http.StatusCreated, gen)
}

// CancelInvoice handles POST /invoices/{id}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.CancelInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "failed to cancel invoice")
		return
	}
	api.WriteData(w, http.StatusOK, invoiceResponse(inv))
}

// ApplyDeposit handles POST /invoices/{id}/deposits. Rejections are reported
// in the result body with status 200.
func (h *Handler) ApplyDeposit(w http.ResponseWriter, r *http.Request) {
	var req domain.ObservedDeposit
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.ApplyDeposit(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err, "failed to apply deposit")
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// SyncInvoice handles POST /invoices/{id}/sync
func (h *Handler) SyncInvoice(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.SyncInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "failed to sync invoice")
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// ConfirmRequest names a transaction the payer says they sent
type ConfirmRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// ConfirmByHash handles POST /invoices/{id}/confirm
func (h *Handler) ConfirmByHash(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.ConfirmByHash(r.Context(), chi.URLParam(r, "id"), req.TxHash)
	if err != nil {
		h.writeError(w, r, err, "failed to confirm transaction")
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// BatchRequest carries deposits observed by an external feed
type BatchRequest struct {
	Deposits []domain.ObservedDeposit `json:"deposits" validate:"required,max=500"`
}

// ApplyDepositsBatch handles POST /deposits/batch. Items are validated by
// the service so one bad item does not reject the whole batch.
func (h *Handler) ApplyDepositsBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.ApplyDepositsBatch(r.Context(), req.Deposits)
	if err != nil {
		h.writeError(w, r, err, "failed to apply deposits")
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// CreatePrepaidRequest binds a broadcast transaction to a customer
type CreatePrepaidRequest struct {
	Currency   string `json:"currency" validate:"required,max=16"`
	Network    string `json:"network"`
	TxHash     string `json:"tx_hash" validate:"required"`
	CustomerID string `json:"customer_id" validate:"omitempty,uuid"`
	TTLSeconds int64  `json:"ttl_seconds" validate:"gte=0"`
}

// CreatePrepaid handles POST /prepaid-invoices. A repeated hash returns the
// existing record with 200.
func (h *Handler) CreatePrepaid(w http.ResponseWriter, r *http.Request) {
	var req CreatePrepaidRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	customerID, err := domain.ParseCustomerID(req.CustomerID)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	p, created, err := h.service.CreatePrepaid(r.Context(), recon.CreatePrepaidInput{
		Currency:   req.Currency,
		Network:    req.Network,
		TxHash:     req.TxHash,
		CustomerID: customerID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, r, err, "failed to create prepaid invoice")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteData(w, status, prepaidResponse(p))
}

// GetPrepaid handles GET /prepaid-invoices/{id}
func (h *Handler) GetPrepaid(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPrepaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "failed to get prepaid invoice")
		return
	}
	api.WriteData(w, http.StatusOK, prepaidResponse(p))
}

// SyncPrepaid handles POST /prepaid-invoices/{id}/sync
func (h *Handler) SyncPrepaid(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.SyncPrepaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "failed to sync prepaid invoice")
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "resource not found")
	case errors.Is(err, domain.ErrValidation):
		api.ValidationError(w, err)
	case errors.Is(err, domain.ErrInvoiceClosed), errors.Is(err, domain.ErrCannotCancel):
		api.Conflict(w, err.Error())
	case errors.Is(err, database.ErrConcurrencyConflict):
		api.Conflict(w, "concurrent update, retry the request")
	default:
		if _, ok := database.AsConstraintViolation(err); ok {
			api.Conflict(w, "resource already exists")
			return
		}
		h.logger.Error(fallback, "path", r.URL.Path, "error", err)
		api.InternalError(w, fallback)
	}
}
