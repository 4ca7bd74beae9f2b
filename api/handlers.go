/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes the circulation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Circulation:
    POST   /api/borrow                 Borrow a copy
    POST   /api/return                 Return a copy (charges late fees)

  Reservations:
    POST   /api/reservations           Join a book's waitlist
    DELETE /api/reservations?id=&userId=
    GET    /api/reservations?bookId=|userId=

  Renewals:
    POST   /api/renewals               Request a due date extension
    PATCH  /api/renewals               Approve or reject
    GET    /api/renewals?status=&userId=&borrowalId=

  Views:
    GET    /api/books/{id}             Copy counts and waitlist
    GET    /api/users/{id}             Loans, reservations and fee history

  Admin triggers (also run by the scheduler):
    POST   /api/admin/holds/expire
    POST   /api/admin/reminders
    POST   /api/admin/dispatch

REQUEST FLOW:
  1. Decode body or query
  2. Call the engine (it validates and runs one transaction)
  3. Map engine errors to statuses (errors.go)
  4. Serialize the envelope

SECURITY NOTE:
  No authentication. userId and processedBy are trusted as sent.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/notify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *circulation.Engine
	Dispatcher *notify.Dispatcher

	log zerolog.Logger

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

func NewHandler(engine *circulation.Engine, dispatcher *notify.Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{Engine: engine, Dispatcher: dispatcher, log: log}
}

// =============================================================================
// BORROW / RETURN
// =============================================================================

func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DueDate == "" {
		writeError(w, http.StatusBadRequest, "dueDate is required", string(circulation.ReasonMissingField))
		return
	}
	due, err := parseTime(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dueDate (use RFC 3339 or YYYY-MM-DD)", string(circulation.ReasonInvalidDueDate))
		return
	}

	rec, err := h.Engine.Manager.Borrow(r.Context(), circulation.BorrowInput{
		BookID:  circulation.BookID(req.BookID),
		UserID:  circulation.UserID(req.UserID),
		DueDate: due,
	})
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, BorrowResponse{
		Envelope: ok("Book borrowed successfully"),
		BorrowID: string(rec.ID),
		DueDate:  formatTime(rec.DueDate),
	})
}

func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.Engine.Manager.Return(r.Context(), circulation.ReturnInput{
		BookID: circulation.BookID(req.BookID),
		UserID: circulation.UserID(req.UserID),
	})
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	message := "Book returned successfully"
	if result.DaysLate > 0 {
		message = fmt.Sprintf("Book returned %d day(s) late. Late fee: $%s", result.DaysLate, money(result.Fee))
	}
	resp := ReturnResponse{
		Envelope: ok(message),
		Fee:      money(result.Fee),
		DaysLate: result.DaysLate,
	}
	if result.Fulfilled != nil {
		resp.FulfilledReservationID = string(result.Fulfilled.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.Reservations.Reserve(r.Context(), circulation.ReserveInput{
		BookID:    circulation.BookID(req.BookID),
		UserID:    circulation.UserID(req.UserID),
		BookTitle: req.BookTitle,
		UserName:  req.UserName,
		UserEmail: req.UserEmail,
	})
	if err != nil {
		writeRouteError(w, h.log, err, reserveStatuses)
		return
	}

	writeJSON(w, http.StatusCreated, ReserveResponse{
		Envelope:      ok(fmt.Sprintf("Reservation created. You are number %d in the queue", res.Position)),
		ReservationID: string(res.ID),
		Position:      res.Position,
	})
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, userID := r.URL.Query().Get("id"), r.URL.Query().Get("userId")
	if id == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "id and userId are required", string(circulation.ReasonMissingField))
		return
	}

	if _, err := h.Engine.Reservations.Cancel(r.Context(), circulation.ReservationID(id), circulation.UserID(userID)); err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("Reservation cancelled"))
}

func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	bookID, userID := r.URL.Query().Get("bookId"), r.URL.Query().Get("userId")

	var (
		list []circulation.Reservation
		err  error
	)
	switch {
	case bookID != "":
		list, err = h.Engine.Reservations.ListByBook(r.Context(), circulation.BookID(bookID))
	case userID != "":
		list, err = h.Engine.Reservations.ListByUser(r.Context(), circulation.UserID(userID))
	default:
		writeError(w, http.StatusBadRequest, "bookId or userId is required", string(circulation.ReasonMissingField))
		return
	}
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, ReservationListResponse{
		Envelope:     ok(""),
		Reservations: toReservationDTOs(list),
	})
}

// =============================================================================
// RENEWALS
// =============================================================================

func (h *Handler) RequestRenewal(w http.ResponseWriter, r *http.Request) {
	var req RenewalRequestBody
	if !decode(w, r, &req) {
		return
	}

	days := h.Engine.Policy.DefaultRenewalDays
	if req.RequestedDays != nil {
		days = *req.RequestedDays
	}
	in := circulation.RenewalInput{
		BorrowID:      circulation.BorrowID(req.BorrowalID),
		BookID:        circulation.BookID(req.BookID),
		UserID:        circulation.UserID(req.UserID),
		RequestedDays: days,
		BookTitle:     req.BookTitle,
		UserName:      req.UserName,
	}
	if req.CurrentDueDate != "" {
		due, err := parseTime(req.CurrentDueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid currentDueDate", string(circulation.ReasonInvalidDueDate))
			return
		}
		in.CurrentDueDate = &due
	}

	created, err := h.Engine.Renewals.Request(r.Context(), in)
	if err != nil {
		writeRouteError(w, h.log, err, renewalRequestStatuses)
		return
	}

	writeJSON(w, http.StatusCreated, RenewalCreatedResponse{
		Envelope:  ok("Renewal request submitted"),
		RenewalID: string(created.ID),
	})
}

func (h *Handler) ProcessRenewal(w http.ResponseWriter, r *http.Request) {
	var req ProcessRenewalRequest
	if !decode(w, r, &req) {
		return
	}

	processed, err := h.Engine.Renewals.Process(r.Context(), circulation.ProcessInput{
		RenewalID:       circulation.RenewalID(req.RenewalID),
		Action:          circulation.RenewalAction(req.Action),
		ProcessedBy:     req.ProcessedBy,
		RejectionReason: req.RejectionReason,
	})
	if err != nil {
		writeRouteError(w, h.log, err, renewalProcessStatuses)
		return
	}

	resp := ProcessRenewalResponse{
		Envelope:   ok("Renewal " + string(processed.Status)),
		Status:     string(processed.Status),
		NewDueDate: formatTimePtr(processed.NewDueDate),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListRenewals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Engine.Renewals.List(r.Context(), circulation.RenewalFilter{
		Status:   circulation.RenewalStatus(q.Get("status")),
		UserID:   circulation.UserID(q.Get("userId")),
		BorrowID: circulation.BorrowID(q.Get("borrowalId")),
	})
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	dtos := make([]RenewalDTO, 0, len(list))
	for _, req := range list {
		dtos = append(dtos, toRenewalDTO(req))
	}
	writeJSON(w, http.StatusOK, RenewalListResponse{Envelope: ok(""), Renewals: dtos})
}

// =============================================================================
// READ VIEWS
// =============================================================================

func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	book, err := h.Engine.Manager.GetBook(ctx, circulation.BookID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	waitlist, err := h.Engine.Reservations.ListByBook(ctx, book.ID)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, BookResponse{
		Envelope: ok(""),
		Book:     toBookDTO(book),
		Waitlist: toReservationDTOs(waitlist),
	})
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.Engine.Manager.GetUser(ctx, circulation.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	borrows, err := h.Engine.Manager.ActiveBorrows(ctx, user.ID)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	reservations, err := h.Engine.Reservations.ListByUser(ctx, user.ID)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	fees, err := h.Engine.Manager.LateFees(ctx, user.ID)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	resp := UserResponse{
		Envelope:     ok(""),
		User:         toUserDTO(user),
		Borrows:      make([]BorrowDTO, 0, len(borrows)),
		Reservations: toReservationDTOs(reservations),
		LateFees:     make([]LateFeeDTO, 0, len(fees)),
	}
	for _, b := range borrows {
		resp.Borrows = append(resp.Borrows, BorrowDTO{
			ID:         string(b.ID),
			BookID:     string(b.BookID),
			BorrowedAt: formatTime(b.BorrowedAt),
			DueDate:    formatTime(b.DueDate),
			Status:     string(b.Status),
		})
	}
	for _, f := range fees {
		resp.LateFees = append(resp.LateFees, LateFeeDTO{
			ID:        string(f.ID),
			BookID:    string(f.BookID),
			BorrowID:  string(f.BorrowID),
			Amount:    money(f.Amount),
			DaysLate:  f.DaysLate,
			CreatedAt: formatTime(f.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN TRIGGERS
// =============================================================================

func (h *Handler) ExpireHolds(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.Reservations.ExpireHolds(r.Context())
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireHoldsResponse{Envelope: ok(fmt.Sprintf("%d hold(s) expired", n)), Expired: n})
}

func (h *Handler) SendReminders(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.Reminders.SendReminders(r.Context())
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, RemindersResponse{
		Envelope: ok("Reminders queued"),
		DueSoon:  result.DueSoon,
		Overdue:  result.Overdue,
	})
}

func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	n, err := h.Dispatcher.DispatchPending(r.Context())
	if err != nil {
		// Events before the failure are already marked; report them anyway.
		h.log.Warn().Err(err).Int("dispatched", n).Msg("dispatch stopped")
		writeJSON(w, http.StatusBadGateway, DispatchResponse{
			Envelope:   Envelope{Success: false, Error: err.Error(), Reason: "delivery_failed"},
			Dispatched: n,
		})
		return
	}
	writeJSON(w, http.StatusOK, DispatchResponse{Envelope: ok(fmt.Sprintf("%d event(s) dispatched", n)), Dispatched: n})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok("ok"))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads the JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", reasonInvalidBody)
		return false
	}
	return true
}
