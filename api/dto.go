/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation domain model from the external API contract.

ENVELOPE:
  Every response embeds Envelope:
    {"success": true,  "message": "...", ...operation fields}
    {"success": false, "error": "...", "reason": "no_copies_available"}

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Operation results (Envelope + fields)
  - *DTO:      Records nested inside responses

DATES:
  Inputs accept RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC
  midnight). Outputs are RFC 3339 in UTC. Money is a string with two
  decimals.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

// Envelope is embedded in every response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func ok(message string) Envelope { return Envelope{Success: true, Message: message} }

// =============================================================================
// BORROW / RETURN
// =============================================================================

type BorrowRequest struct {
	BookID  string `json:"bookId"`
	UserID  string `json:"userId"`
	DueDate string `json:"dueDate"`
}

type BorrowResponse struct {
	Envelope
	BorrowID string `json:"borrowId"`
	DueDate  string `json:"dueDate"`
}

type ReturnRequest struct {
	BookID string `json:"bookId"`
	UserID string `json:"userId"`
}

type ReturnResponse struct {
	Envelope
	Fee      string `json:"fee"`
	DaysLate int    `json:"daysLate"`

	// FulfilledReservationID is the waitlist entry this return promoted.
	FulfilledReservationID string `json:"fulfilledReservationId,omitempty"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReserveRequest struct {
	BookID    string `json:"bookId"`
	UserID    string `json:"userId"`
	BookTitle string `json:"bookTitle"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail,omitempty"`
}

type ReserveResponse struct {
	Envelope
	ReservationID string `json:"reservationId"`
	Position      int    `json:"position"`
}

type ReservationDTO struct {
	ID          string `json:"id"`
	BookID      string `json:"bookId"`
	UserID      string `json:"userId"`
	BookTitle   string `json:"bookTitle"`
	UserName    string `json:"userName"`
	UserEmail   string `json:"userEmail,omitempty"`
	Status      string `json:"status"`
	Position    int    `json:"position"`
	CreatedAt   string `json:"createdAt"`
	FulfilledAt string `json:"fulfilledAt,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	CancelledAt string `json:"cancelledAt,omitempty"`
	BorrowID    string `json:"borrowId,omitempty"`
}

type ReservationListResponse struct {
	Envelope
	Reservations []ReservationDTO `json:"reservations"`
}

func toReservationDTO(r circulation.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:          string(r.ID),
		BookID:      string(r.BookID),
		UserID:      string(r.UserID),
		BookTitle:   r.BookTitle,
		UserName:    r.UserName,
		UserEmail:   r.UserEmail,
		Status:      string(r.Status),
		Position:    r.Position,
		CreatedAt:   formatTime(r.CreatedAt),
		FulfilledAt: formatTimePtr(r.FulfilledAt),
		ExpiresAt:   formatTimePtr(r.ExpiresAt),
		CancelledAt: formatTimePtr(r.CancelledAt),
		BorrowID:    string(r.BorrowID),
	}
}

func toReservationDTOs(rs []circulation.Reservation) []ReservationDTO {
	dtos := make([]ReservationDTO, 0, len(rs))
	for _, r := range rs {
		dtos = append(dtos, toReservationDTO(r))
	}
	return dtos
}

// =============================================================================
// RENEWALS
// =============================================================================

// RenewalRequestBody is the body of POST /api/renewals. Book id and current
// due date must match the borrow record when given; title and user name are
// advisory. An absent requestedDays means the policy default.
type RenewalRequestBody struct {
	BorrowalID     string `json:"borrowalId"`
	BookID         string `json:"bookId"`
	UserID         string `json:"userId"`
	BookTitle      string `json:"bookTitle"`
	UserName       string `json:"userName"`
	CurrentDueDate string `json:"currentDueDate"`
	RequestedDays  *int   `json:"requestedDays"`
}

type RenewalCreatedResponse struct {
	Envelope
	RenewalID string `json:"renewalId"`
}

type ProcessRenewalRequest struct {
	RenewalID       string `json:"renewalId"`
	Action          string `json:"action"`
	ProcessedBy     string `json:"processedBy"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

type ProcessRenewalResponse struct {
	Envelope
	Status     string `json:"status"`
	NewDueDate string `json:"newDueDate,omitempty"`
}

type RenewalDTO struct {
	ID              string `json:"id"`
	BorrowalID      string `json:"borrowalId"`
	BookID          string `json:"bookId"`
	UserID          string `json:"userId"`
	BookTitle       string `json:"bookTitle"`
	UserName        string `json:"userName"`
	CurrentDueDate  string `json:"currentDueDate"`
	RequestedDays   int    `json:"requestedDays"`
	Status          string `json:"status"`
	CreatedAt       string `json:"createdAt"`
	ProcessedAt     string `json:"processedAt,omitempty"`
	ProcessedBy     string `json:"processedBy,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	NewDueDate      string `json:"newDueDate,omitempty"`
}

type RenewalListResponse struct {
	Envelope
	Renewals []RenewalDTO `json:"renewals"`
}

func toRenewalDTO(r circulation.RenewalRequest) RenewalDTO {
	return RenewalDTO{
		ID:              string(r.ID),
		BorrowalID:      string(r.BorrowID),
		BookID:          string(r.BookID),
		UserID:          string(r.UserID),
		BookTitle:       r.BookTitle,
		UserName:        r.UserName,
		CurrentDueDate:  formatTime(r.CurrentDueDate),
		RequestedDays:   r.RequestedDays,
		Status:          string(r.Status),
		CreatedAt:       formatTime(r.CreatedAt),
		ProcessedAt:     formatTimePtr(r.ProcessedAt),
		ProcessedBy:     r.ProcessedBy,
		RejectionReason: r.RejectionReason,
		NewDueDate:      formatTimePtr(r.NewDueDate),
	}
}

// =============================================================================
// READ VIEWS
// =============================================================================

type BookDTO struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	TotalCopies      int     `json:"totalCopies"`
	AvailableCopies  int     `json:"availableCopies"`
	HeldCopies       int     `json:"heldCopies"`
	Status           string  `json:"status"`
	LateFeePerDay    *string `json:"lateFeePerDay,omitempty"`
	ReservationCount int     `json:"reservationCount"`
}

type BookResponse struct {
	Envelope
	Book     BookDTO          `json:"book"`
	Waitlist []ReservationDTO `json:"waitlist"`
}

type BorrowDTO struct {
	ID         string `json:"id"`
	BookID     string `json:"bookId"`
	BorrowedAt string `json:"borrowedAt"`
	DueDate    string `json:"dueDate"`
	Status     string `json:"status"`
}

type LateFeeDTO struct {
	ID        string `json:"id"`
	BookID    string `json:"bookId"`
	BorrowID  string `json:"borrowId"`
	Amount    string `json:"amount"`
	DaysLate  int    `json:"daysLate"`
	CreatedAt string `json:"createdAt"`
}

type UserDTO struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Email         string   `json:"email,omitempty"`
	Role          string   `json:"role"`
	BooksOut      int      `json:"booksOut"`
	BorrowedBooks []string `json:"borrowedBooks"`
	LateFees      string   `json:"lateFees"`
}

type UserResponse struct {
	Envelope
	User         UserDTO          `json:"user"`
	Borrows      []BorrowDTO      `json:"borrows"`
	Reservations []ReservationDTO `json:"reservations"`
	LateFees     []LateFeeDTO     `json:"lateFeeHistory"`
}

func toBookDTO(b *circulation.Book) BookDTO {
	dto := BookDTO{
		ID:               string(b.ID),
		Title:            b.Title,
		TotalCopies:      b.TotalCopies,
		AvailableCopies:  b.AvailableCopies,
		HeldCopies:       b.HeldCopies,
		Status:           string(b.Status),
		ReservationCount: b.ReservationCount,
	}
	if b.LateFeePerDay != nil {
		rate := money(*b.LateFeePerDay)
		dto.LateFeePerDay = &rate
	}
	return dto
}

func toUserDTO(u *circulation.User) UserDTO {
	books := make([]string, 0, len(u.BorrowedBooks))
	for _, id := range u.BorrowedBooks {
		books = append(books, string(id))
	}
	return UserDTO{
		ID:            string(u.ID),
		Name:          u.Name,
		Email:         u.Email,
		Role:          string(u.Role),
		BooksOut:      u.BooksOut,
		BorrowedBooks: books,
		LateFees:      money(u.LateFees),
	}
}

// =============================================================================
// ADMIN TRIGGERS
// =============================================================================

type ExpireHoldsResponse struct {
	Envelope
	Expired int `json:"expired"`
}

type RemindersResponse struct {
	Envelope
	DueSoon int `json:"dueSoon"`
	Overdue int `json:"overdue"`
}

type DispatchResponse struct {
	Envelope
	Dispatched int `json:"dispatched"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ID string `json:"id"`
}

// =============================================================================
// FORMATTING
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

// parseTime accepts RFC 3339 or YYYY-MM-DD.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
