package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/adapters/crdb"
	"github.com/robertarktes/service-bookings-escrow/internal/booking"
	"github.com/robertarktes/service-bookings-escrow/internal/config"
	"github.com/robertarktes/service-bookings-escrow/internal/deposits"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/escrow"
	"github.com/robertarktes/service-bookings-escrow/internal/ledger"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/shopspring/decimal"
)

// AdminAuditor records manual escrow resolutions.
type AdminAuditor interface {
	LogAdmin(ctx context.Context, action string, actor uuid.UUID, e domain.Escrow) error
}

// Pinger is a dependency checked by /v1/readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	cfg     *config.Config
	machine *booking.Machine
	escrow  *escrow.Store
	ledger  *ledger.Ledger
	audit   AdminAuditor
	logger  observability.Logger
	ready   map[string]Pinger
}

func NewHandlers(cfg *config.Config, machine *booking.Machine, store *escrow.Store, l *ledger.Ledger, audit AdminAuditor, logger observability.Logger, ready map[string]Pinger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		machine: machine,
		escrow:  store,
		ledger:  l,
		audit:   audit,
		logger:  logger,
		ready:   ready,
	}
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerServiceID uuid.UUID          `json:"worker_service_id"`
		Unit            domain.PricingUnit `json:"unit"`
		Quantity        int                `json:"quantity"`
		StartTime       time.Time          `json:"start_time"`
		EndTime         time.Time          `json:"end_time"`
		Notes           string             `json:"notes"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.machine.Create(r.Context(), booking.CreateRequest{
		ClientID:        ActorFrom(r.Context()),
		WorkerServiceID: req.WorkerServiceID,
		Unit:            req.Unit,
		Quantity:        req.Quantity,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.machine.ViewFor(r.Context(), id, ActorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := crdb.BookingFilter{
		Role:   domain.Party(q.Get("role")),
		Status: domain.BookingStatus(strings.ToUpper(q.Get("status"))),
	}
	if filter.Role != "" && filter.Role != domain.PartyClient && filter.Role != domain.PartyWorker {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "unknown role %q", filter.Role))
		return
	}
	var ok bool
	if filter.Limit, filter.Offset, ok = h.page(w, r); !ok {
		return
	}
	list, err := h.machine.List(r.Context(), ActorFrom(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookings": nonNil(list)})
}

func (h *Handlers) BookingAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Action   domain.Action `json:"action"`
		Response string        `json:"response"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.machine.Act(r.Context(), id, ActorFrom(r.Context()), req.Action, req.Response)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason domain.CancellationReason `json:"reason"`
		Notes  string                    `json:"notes"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.machine.Cancel(r.Context(), id, ActorFrom(r.Context()), booking.CancelRequest{
		Reason: req.Reason,
		Notes:  req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) DisputeBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Complaint string `json:"complaint"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.machine.Dispute(r.Context(), id, ActorFrom(r.Context()), req.Complaint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) WalletBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.walletOwner(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"balance":  balance.StringFixed(2),
		"currency": h.cfg.Currency,
	})
}

func (h *Handlers) WalletTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.walletOwner(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.page(w, r)
	if !ok {
		return
	}
	history, err := h.ledger.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": nonNil(history)})
}

func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.walletOwner(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		h.writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "reference is required"))
		return
	}
	wt, err := h.ledger.Withdraw(r.Context(), userID, req.Amount, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wt)
}

func (h *Handlers) ListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := crdb.EscrowFilter{
		Role:   domain.Party(q.Get("role")),
		Status: domain.EscrowStatus(strings.ToUpper(q.Get("status"))),
	}
	if filter.Role != "" && filter.Role != domain.PartyClient && filter.Role != domain.PartyWorker {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "unknown role %q", filter.Role))
		return
	}
	var ok bool
	if filter.Limit, filter.Offset, ok = h.page(w, r); !ok {
		return
	}
	list, err := h.escrow.List(r.Context(), ActorFrom(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": nonNil(list)})
}

func (h *Handlers) AdminRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.escrow.ReleaseTx(r.Context(), id)
	h.adminResult(w, r, "release", e, err)
}

func (h *Handlers) AdminRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RefundAmount    decimal.Decimal `json:"refund_amount"`
		PenaltyWorker   decimal.Decimal `json:"penalty_worker"`
		PenaltyPlatform decimal.Decimal `json:"penalty_platform"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	split := domain.RefundSplit{
		Refund:          req.RefundAmount,
		Penalty:         req.PenaltyWorker.Add(req.PenaltyPlatform),
		PenaltyWorker:   req.PenaltyWorker,
		PenaltyPlatform: req.PenaltyPlatform,
	}
	e, err := h.escrow.RefundTx(r.Context(), id, split)
	h.adminResult(w, r, "refund", e, err)
}

func (h *Handlers) AdminDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.escrow.MarkDisputedTx(r.Context(), id)
	h.adminResult(w, r, "dispute", e, err)
}

func (h *Handlers) adminResult(w http.ResponseWriter, r *http.Request, action string, e *domain.Escrow, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.audit != nil {
		if err := h.audit.LogAdmin(context.WithoutCancel(r.Context()), action, ActorFrom(r.Context()), *e); err != nil {
			observability.LoggerFrom(r.Context(), h.logger).WithError(err).Warn("admin audit failed")
		}
	}
	writeJSON(w, http.StatusOK, e)
}

// PaymentCallback accepts the gateway's deposit-succeeded notification. The
// gateway reference makes redelivery safe.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req deposits.Notice
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	wt, err := h.ledger.Deposit(r.Context(), req.UserID, req.Amount, req.Gateway, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, p := range h.ready {
		if err := p.Ping(ctx); err != nil {
			observability.LoggerFrom(r.Context(), h.logger).WithError(err).WithField("dependency", name).Warn("not ready")
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "malformed body: %v", err))
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// walletOwner resolves {userId} and allows only the owner to read or move
// its funds.
func (h *Handlers) walletOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok {
		return uuid.Nil, false
	}
	if userID != ActorFrom(r.Context()) {
		h.writeError(w, r, errors.Wrap(domain.ErrForbiddenActor, "wallet belongs to another user"))
		return uuid.Nil, false
	}
	if userID == h.cfg.PlatformAccountID {
		h.writeError(w, r, errors.Wrap(domain.ErrForbiddenActor, "the platform wallet is not served here"))
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handlers) page(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "invalid %s", p.name))
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
