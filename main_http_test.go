package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doJSON(t *testing.T, mux http.Handler, method, target, body, sid string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: sid})
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) StateView {
	t.Helper()
	var view StateView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode state: %v (body %q)", err, rr.Body.String())
	}
	return view
}

func cookieFromResponse(rr *httptest.ResponseRecorder, name string) string {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestStateMintsSessionCookie(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())

	rr := doJSON(t, mux, http.MethodGet, "/api/state", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	sid := cookieFromResponse(rr, cookieName)
	if sid == "" {
		t.Fatalf("no session cookie minted")
	}
	view := decodeState(t, rr)
	if view.Phase != phaseLoading {
		t.Fatalf("fresh session phase = %s", view.Phase)
	}

	rr2 := doJSON(t, mux, http.MethodGet, "/api/state", "", sid)
	if cookieFromResponse(rr2, cookieName) != "" {
		t.Fatalf("cookie re-minted for known session")
	}
	if len(s.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(s.Sessions))
	}
}

func TestMethodGuards(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())

	if rr := doJSON(t, mux, http.MethodPost, "/api/state", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/state = %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodGet, "/api/shift/start", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/shift/start = %d", rr.Code)
	}
}

func TestShiftFlowOverHTTP(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())

	rr := doJSON(t, mux, http.MethodPost, "/api/shift/start", "", "")
	sid := cookieFromResponse(rr, cookieName)
	view := decodeState(t, rr)
	if view.Phase != phaseBriefing {
		t.Fatalf("after start, phase = %s", view.Phase)
	}
	if len(view.Rules) < 2 {
		t.Fatalf("briefing shows %d rules", len(view.Rules))
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/shift/begin", "", sid))
	if view.Phase != phaseWaiting {
		t.Fatalf("after begin, phase = %s", view.Phase)
	}

	// force the ride request rather than waiting out the timer
	s.mu.Lock()
	sess := s.Sessions[sid]
	presentRideRequestLocked(s, sess, testNow)
	s.mu.Unlock()

	view = decodeState(t, doJSON(t, mux, http.MethodGet, "/api/state", "", sid))
	if view.Phase != phaseRideRequest || view.CurrentRide == nil {
		t.Fatalf("ride request not visible: %+v", view.Phase)
	}
	if view.CurrentRide.Passenger.Name == "" {
		t.Fatalf("passenger view incomplete: %+v", view.CurrentRide)
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/ride/accept", "", sid))
	if view.Phase != phaseDriving {
		t.Fatalf("after accept, phase = %s", view.Phase)
	}
	if len(view.RouteOptions) != 4 {
		t.Fatalf("route options = %d, want 4", len(view.RouteOptions))
	}
	for _, opt := range view.RouteOptions {
		if !opt.Available {
			t.Fatalf("route %s unavailable", opt.Route)
		}
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/drive", `{"route":"normal"}`, sid))
	if view.Phase != phaseInteraction {
		t.Fatalf("after drive, phase = %s (%s)", view.Phase, view.FailureReason)
	}
	if len(view.InteractionActions) == 0 {
		t.Fatalf("no interaction actions offered")
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/interact", `{"action":"stay_silent"}`, sid))
	if view.Phase != phaseDriving {
		t.Fatalf("after interact, phase = %s (%s)", view.Phase, view.FailureReason)
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/drive", `{"route":"normal"}`, sid))
	if view.Phase != phaseDropOff {
		t.Fatalf("after second drive, phase = %s (%s)", view.Phase, view.FailureReason)
	}
	if view.RidesCompleted != 1 || view.Earnings <= 0 {
		t.Fatalf("ride not credited: rides=%d earnings=%d", view.RidesCompleted, view.Earnings)
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/dropoff/continue", "", sid))
	if view.Phase != phaseWaiting {
		t.Fatalf("after continue, phase = %s", view.Phase)
	}

	view = decodeState(t, doJSON(t, mux, http.MethodPost, "/api/shift/end", "", sid))
	if view.Phase != phaseGameOver && view.Phase != phaseSuccess {
		t.Fatalf("after end, phase = %s", view.Phase)
	}
}

func TestDriveRequiresRoute(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())
	if rr := doJSON(t, mux, http.MethodPost, "/api/drive", `{}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("drive without route = %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodPost, "/api/interact", `not json`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("interact with junk = %d", rr.Code)
	}
}

func TestSaveRequiresLiveShift(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())
	if rr := doJSON(t, mux, http.MethodPost, "/api/save", "", ""); rr.Code != http.StatusConflict {
		t.Fatalf("save without shift = %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodPost, "/api/resume", "", ""); rr.Code != http.StatusConflict {
		t.Fatalf("resume without snapshot = %d", rr.Code)
	}
}

func TestLeaderboardAndStatsEndpoints(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())
	appendLeaderboardLocked(s, LeaderboardEntry{Score: 90, Survived: true, Date: testNow})

	rr := doJSON(t, mux, http.MethodGet, "/api/leaderboard", "", "")
	var board struct {
		Entries []LeaderboardEntry `json:"entries"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&board); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(board.Entries) != 1 || board.Entries[0].Score != 90 {
		t.Fatalf("leaderboard = %+v", board.Entries)
	}

	rr = doJSON(t, mux, http.MethodGet, "/api/stats", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rr.Code)
	}
	var stats struct {
		Stats       PlayerStats     `json:"stats"`
		Backstories []BackstoryView `json:"backstories"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Backstories == nil {
		t.Fatalf("backstories should encode as an empty list")
	}
}

func TestRootAndUnknownPaths(t *testing.T) {
	s := newTestStore(t)
	mux := newMux(s, quietLogger())
	if rr := doJSON(t, mux, http.MethodGet, "/", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("root = %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodGet, "/nope", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d", rr.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Addr: ":8080", MinuteTickSecond: 5}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := (Config{Addr: "", MinuteTickSecond: 5}).Validate(); err == nil {
		t.Fatalf("empty addr accepted")
	}
	if err := (Config{Addr: ":8080", MinuteTickSecond: 0}).Validate(); err == nil {
		t.Fatalf("zero tick accepted")
	}
	if (Config{SaveMaxAgeHours: 0}).SaveMaxAge() != 0 {
		t.Fatalf("zero hours should disable the staleness window")
	}
	if (Config{SaveMaxAgeHours: 24}).SaveMaxAge().Hours() != 24 {
		t.Fatalf("24 hours misconverted")
	}
}
