package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CustomerID is the downstream ledger's customer identity.
type CustomerID uuid.UUID

// ParseCustomerID parses a customer id once at the boundary. Empty input
// yields nil (no customer bound).
func ParseCustomerID(s string) (*CustomerID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: customer id %q is not a uuid", ErrValidation, s)
	}
	id := CustomerID(u)
	return &id, nil
}

func (c CustomerID) String() string {
	return uuid.UUID(c).String()
}

// UUID returns the underlying uuid.
func (c CustomerID) UUID() uuid.UUID {
	return uuid.UUID(c)
}

// MarshalText encodes the canonical uuid form.
func (c CustomerID) MarshalText() ([]byte, error) {
	return uuid.UUID(c).MarshalText()
}

func (c *CustomerID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return fmt.Errorf("%w: customer id: %v", ErrValidation, err)
	}
	*c = CustomerID(u)
	return nil
}
