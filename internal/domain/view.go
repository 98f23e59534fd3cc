package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WorkerService is an offering a worker publishes in the catalog.
type WorkerService struct {
	ID          uuid.UUID                       `json:"id"`
	WorkerID    uuid.UUID                       `json:"worker_id"`
	ServiceCode string                          `json:"service_code"`
	Title       string                          `json:"title"`
	Active      bool                            `json:"active"`
	Rates       map[PricingUnit]decimal.Decimal `json:"rates"`
	Currency    string                          `json:"currency"`
}

// Rate returns the unit price for u, if the service offers that unit.
func (s WorkerService) Rate(u PricingUnit) (decimal.Decimal, bool) {
	r, ok := s.Rates[u]
	return r, ok
}

// BookingView is the populated read model of a booking. It is assembled for
// display only and never written back.
type BookingView struct {
	Booking
	Service *WorkerService `json:"service,omitempty"`
	Escrow  *Escrow        `json:"escrow,omitempty"`
	Expired bool           `json:"expired"`
}
