package api

import (
	"time"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// InvoiceResponse is the wire form of an invoice.
type InvoiceResponse struct {
	ID              string                  `json:"id"`
	Number          string                  `json:"invoice_number"`
	CustomerID      *domain.CustomerID      `json:"customer_id,omitempty"`
	Status          domain.InvoiceStatus    `json:"status"`
	Expected        money.Money             `json:"expected"`
	TotalPaid       money.Money             `json:"total_paid"`
	Remaining       money.Money             `json:"remaining"`
	CreatedAt       time.Time               `json:"created_at"`
	ExpiresAt       *time.Time              `json:"expires_at,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
	Addresses       []domain.InvoiceAddress `json:"addresses"`
	AppliedDeposits []domain.AppliedDeposit `json:"applied_deposits"`
	Version         int64                   `json:"version"`
}

func invoiceResponse(inv *domain.Invoice) InvoiceResponse {
	st := inv.State()
	out := InvoiceResponse{
		ID:              st.ID,
		Number:          st.Number,
		CustomerID:      st.CustomerID,
		Status:          st.Status,
		Expected:        st.Expected,
		TotalPaid:       inv.TotalPaid(),
		Remaining:       inv.Remaining(),
		CreatedAt:       st.CreatedAt,
		ExpiresAt:       st.ExpiresAt,
		UpdatedAt:       st.UpdatedAt,
		Addresses:       st.Addresses,
		AppliedDeposits: st.AppliedDeposits,
		Version:         st.Version,
	}
	if out.Addresses == nil {
		out.Addresses = []domain.InvoiceAddress{}
	}
	if out.AppliedDeposits == nil {
		out.AppliedDeposits = []domain.AppliedDeposit{}
	}
	return out
}

// PrepaidResponse is the wire form of a prepaid record.
type PrepaidResponse struct {
	ID         string               `json:"id"`
	CustomerID *domain.CustomerID   `json:"customer_id,omitempty"`
	Currency   money.Currency       `json:"currency"`
	Network    string               `json:"network,omitempty"`
	TxHash     string               `json:"tx_hash"`
	Status     domain.PrepaidStatus `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Observed   domain.Observation   `json:"observed"`
	Version    int64                `json:"version"`
}

func prepaidResponse(p *domain.PrepaidInvoice) PrepaidResponse {
	st := p.State()
	return PrepaidResponse{
		ID:         st.ID,
		CustomerID: st.CustomerID,
		Currency:   st.Currency,
		Network:    st.Network,
		TxHash:     st.TxHash.String(),
		Status:     st.Status,
		CreatedAt:  st.CreatedAt,
		ExpiresAt:  st.ExpiresAt,
		UpdatedAt:  st.UpdatedAt,
		Observed:   st.Observed,
		Version:    st.Version,
	}
}
