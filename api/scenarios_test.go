/*
scenarios_test.go - Tests for demo scenarios and the scheduler jobs

Each scenario must leave the store in the documented state, and loading a
scenario must wipe whatever was there before.
*/
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

func TestScenario_SmallBranch(t *testing.T) {
	// GIVEN: A store with data from the default test seed
	// WHEN: Loading small-branch
	// THEN: The old records are gone and the five titles are on the shelf

	s := setupTestServer(t, nil)
	ctx := context.Background()

	status, body := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"id": "small-branch"})
	require.Equal(t, http.StatusOK, status, body)

	_, err := s.store.GetBook(ctx, "b1")
	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)

	b, err := s.store.GetBook(ctx, "bk-dune")
	require.NoError(t, err)
	assert.Equal(t, 3, b.AvailableCopies)

	librarian, err := s.store.GetUser(ctx, "u-librarian")
	require.NoError(t, err)
	assert.True(t, librarian.IsAdmin())

	status, body = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "small-branch", body["id"])
}

func TestScenario_Waitlist(t *testing.T) {
	s := setupTestServer(t, nil)
	// The waitlist loader borrows with a real due date.
	*s.now = time.Now().UTC()

	status, body := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"id": "waitlist"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = s.do(t, http.MethodGet, "/api/books/bk-bestseller", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["book"].(map[string]any)["availableCopies"])

	waitlist := body["waitlist"].([]any)
	require.Len(t, waitlist, 3)
	for i, entry := range waitlist {
		assert.Equal(t, float64(i+1), entry.(map[string]any)["position"])
	}
	assert.Equal(t, "u-grace", waitlist[0].(map[string]any)["userId"])
}

func TestScenario_Unknown(t *testing.T) {
	s := setupTestServer(t, nil)
	status, body := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"id": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unknown_scenario", body["reason"])

	// Nothing was reset.
	_, err := s.store.GetBook(context.Background(), "b1")
	assert.NoError(t, err)
}

func TestScenario_List(t *testing.T) {
	s := setupTestServer(t, nil)

	status, _ := s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, http.StatusOK, status)

	// The list is a bare array, not an envelope.
	req, err := http.NewRequest(http.MethodGet, "/api/scenarios", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []ScenarioDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := setupTestServer(t, nil)
	_, err := NewScheduler(s.handler.Engine, s.handler.Dispatcher, Schedule{ExpireHolds: "every now and then"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestScheduler_JobsRunOnce(t *testing.T) {
	// GIVEN: An open hold whose pickup window has passed
	// WHEN: The expire-holds and dispatch jobs run
	// THEN: The hold expires and every pending event is delivered

	s := setupTestServer(t, nil)
	ctx := context.Background()
	s.borrow(t, "b1", "A", t0.Add(24*time.Hour))
	status, _ := s.do(t, http.MethodPost, "/api/reservations", map[string]string{"bookId": "b1", "userId": "B"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = s.do(t, http.MethodPost, "/api/return", map[string]string{"bookId": "b1", "userId": "A"})
	require.Equal(t, http.StatusOK, status)

	sched, err := NewScheduler(s.handler.Engine, s.handler.Dispatcher, Schedule{
		ExpireHolds: "@every 1h",
		Reminders:   "",
		Dispatch:    "@every 1m",
	}, zerolog.Nop())
	require.NoError(t, err)
	sched.Start()
	sched.Stop()

	*s.now = t0.Add(49 * time.Hour)
	require.NoError(t, sched.ExpireHolds(ctx))
	require.NoError(t, sched.SendReminders(ctx))
	require.NoError(t, sched.Dispatch(ctx))

	b, err := s.store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.AvailableCopies)
	assert.Equal(t, 0, b.HeldCopies)

	pending, err := s.store.PendingEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
