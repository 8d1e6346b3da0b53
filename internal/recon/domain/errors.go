package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before any state change.
	ErrValidation = errors.New("validation failed")

	ErrInvoiceClosed = errors.New("invoice is closed")
	ErrCannotCancel  = errors.New("invoice cannot be canceled")
)

// Reasons reported by apply and confirm outcomes.
const (
	ReasonApplied                = "Applied"
	ReasonExpired                = "Invoice expired"
	ReasonCanceled               = "Invoice canceled"
	ReasonCurrencyMismatch       = "Currency mismatch"
	ReasonUnknownAddress         = "Address is not registered for this invoice"
	ReasonNotEnoughConfirmations = "Not enough confirmations"
	ReasonAlreadyApplied         = "Already applied"
	ReasonAlreadyAppliedGlobal   = "Already applied (global)"
	ReasonMultipleNotAllowed     = "Multiple deposits not allowed"
	ReasonConcurrencyRace        = "Concurrency race: not applied"
	ReasonNoOwningInvoice        = "No invoice owns this address"
	ReasonNotFound               = "Not found"
	ReasonNoAddresses            = "Invoice has no wallet/addresses"
)
