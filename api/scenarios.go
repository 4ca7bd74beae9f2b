/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic data
  for demos. Each scenario seeds books and members, and may replay a few
  engine operations so the UI has loans and waitlists to show.

AVAILABLE SCENARIOS:
  small-branch:  A handful of titles with several copies, members, one admin
  waitlist:      One single-copy bestseller that is out, with three members
                 queued behind the borrower

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Engine.Seed books and users in one transaction
  3. Optionally borrow / reserve through the engine, so every record and
     outbox event is produced by the real operations

USAGE VIA API:
  POST /api/scenarios/load
  {"id": "waitlist"}

NOTE:
  Scenarios reset the store. The store must support Reset; all bundled
  stores do. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - circulation/engine.go: Seed
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

// Resetter is implemented by stores that can be wiped for demos.
type Resetter interface {
	Reset(ctx context.Context) error
}

var errResetUnsupported = errors.New("store does not support reset")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-branch",
		Name:        "Small Branch",
		Description: "Five titles, four members and a librarian; nothing on loan",
	},
	{
		ID:          "waitlist",
		Name:        "Waitlist",
		Description: "A single-copy bestseller on loan with three members queued",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.loadScenario(r.Context(), req.ID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", "unknown_scenario")
			return
		}
		writeEngineError(w, h.log, fmt.Errorf("failed to load scenario %s: %w", req.ID, err))
		return
	}
	h.currentScenario = req.ID

	writeJSON(w, http.StatusOK, ok("Scenario "+req.ID+" loaded"))
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "small-branch":
		load = h.loadSmallBranchScenario
	case "waitlist":
		load = h.loadWaitlistScenario
	default:
		return errUnknownScenario
	}

	resetter, ok := h.Engine.Store.(Resetter)
	if !ok {
		return errResetUnsupported
	}
	if err := resetter.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	h.currentScenario = ""

	return load(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSmallBranchScenario(ctx context.Context) error {
	rare := decimal.RequireFromString("2.50")
	books := []circulation.Book{
		{ID: "bk-dune", Title: "Dune", TotalCopies: 3},
		{ID: "bk-emma", Title: "Emma", TotalCopies: 2},
		{ID: "bk-ulysses", Title: "Ulysses", TotalCopies: 1, LateFeePerDay: &rare},
		{ID: "bk-beloved", Title: "Beloved", TotalCopies: 2},
		{ID: "bk-solaris", Title: "Solaris", TotalCopies: 1},
	}
	return h.Engine.Seed(ctx, books, demoUsers())
}

func (h *Handler) loadWaitlistScenario(ctx context.Context) error {
	books := []circulation.Book{
		{ID: "bk-bestseller", Title: "The Bestseller", TotalCopies: 1},
		{ID: "bk-dune", Title: "Dune", TotalCopies: 2},
	}
	if err := h.Engine.Seed(ctx, books, demoUsers()); err != nil {
		return err
	}

	due := time.Now().UTC().AddDate(0, 0, 14)
	if _, err := h.Engine.Manager.Borrow(ctx, circulation.BorrowInput{BookID: "bk-bestseller", UserID: "u-ada", DueDate: due}); err != nil {
		return err
	}
	for _, userID := range []circulation.UserID{"u-grace", "u-alan", "u-barbara"} {
		if _, err := h.Engine.Reservations.Reserve(ctx, circulation.ReserveInput{BookID: "bk-bestseller", UserID: userID}); err != nil {
			return err
		}
	}
	return nil
}

func demoUsers() []circulation.User {
	return []circulation.User{
		{ID: "u-ada", Name: "Ada Lovelace", Email: "ada@example.com"},
		{ID: "u-grace", Name: "Grace Hopper", Email: "grace@example.com"},
		{ID: "u-alan", Name: "Alan Turing", Email: "alan@example.com"},
		{ID: "u-barbara", Name: "Barbara Liskov", Email: "barbara@example.com"},
		{ID: "u-librarian", Name: "Librarian", Email: "desk@example.com", Role: circulation.RoleAdmin},
	}
}
