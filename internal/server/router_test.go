package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/pairsight/internal/snapshot"
)

type fakeManager struct {
	status           snapshot.Status
	snapshotCalls    int
	incrementalCalls int
	commitResult     bool
	pauseCalls       int
	resumeCalls      int
	resetCalls       int
	sessionRecordID  string
	sessionReport    string
	sessionReportErr error
	lastUserID       string
	lastTeamID       string
	lastSessionID    string
}

func (m *fakeManager) TakeSnapshot(_ context.Context, userID, teamID string) error {
	m.snapshotCalls++
	m.lastUserID, m.lastTeamID = userID, teamID
	return nil
}

func (m *fakeManager) TakeIncrementalSnapshot(_ context.Context, userID, teamID string) (bool, error) {
	m.incrementalCalls++
	m.lastUserID, m.lastTeamID = userID, teamID
	return m.commitResult, nil
}

func (m *fakeManager) PauseTracking(_ context.Context, userID, teamID string) error {
	m.pauseCalls++
	m.lastUserID, m.lastTeamID = userID, teamID
	return nil
}

func (m *fakeManager) ResumeTracking(_ context.Context, userID, teamID string) error {
	m.resumeCalls++
	m.lastUserID, m.lastTeamID = userID, teamID
	return nil
}

func (m *fakeManager) CreateSessionBaseline(_ context.Context, userID, teamID, sessionID string) (string, error) {
	m.lastUserID, m.lastTeamID, m.lastSessionID = userID, teamID, sessionID
	return m.sessionRecordID, nil
}

func (m *fakeManager) CaptureSessionChanges(_ context.Context, userID, teamID string) (string, error) {
	m.lastUserID, m.lastTeamID = userID, teamID
	return m.sessionReport, m.sessionReportErr
}

func (m *fakeManager) Reset() { m.resetCalls++ }

func (m *fakeManager) Status() snapshot.Status { return m.status }

type fakeCorrelator struct {
	monitoring   bool
	monitored    string
	checkCalls   int
	checkedTeams []string
}

func (c *fakeCorrelator) TriggerCheck(_ context.Context, teamID string) error {
	c.checkCalls++
	c.checkedTeams = append(c.checkedTeams, teamID)
	return nil
}

func (c *fakeCorrelator) StartMonitoring(teamID string) {
	c.monitoring = true
	c.monitored = teamID
}

func (c *fakeCorrelator) StopMonitoring() {
	c.monitoring = false
	c.monitored = ""
}

func (c *fakeCorrelator) Monitoring() bool      { return c.monitoring }
func (c *fakeCorrelator) MonitoredTeam() string { return c.monitored }

type fakeTeams struct {
	selected string
}

func (t *fakeTeams) SelectedTeam(context.Context) (string, error) { return t.selected, nil }

func (t *fakeTeams) SelectTeam(_ context.Context, teamID string) error {
	t.selected = teamID
	return nil
}

type fakeResolver struct{ userID string }

func (r fakeResolver) CurrentUserID(context.Context) (string, error) { return r.userID, nil }

type routerFixture struct {
	handler    http.Handler
	manager    *fakeManager
	correlator *fakeCorrelator
	teams      *fakeTeams
}

func newRouterFixture(t *testing.T, userID, teamID string) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := &fakeManager{commitResult: true, sessionRecordID: "session-record-1"}
	correlator := &fakeCorrelator{}
	teams := &fakeTeams{selected: teamID}

	handler, err := NewHTTPHandler(Dependencies{
		Manager:    manager,
		Correlator: correlator,
		Teams:      teams,
		Identity:   fakeResolver{userID: userID},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return routerFixture{handler: handler, manager: manager, correlator: correlator, teams: teams}
}

func performJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestStatusReportsTeamUserAndMonitoring(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	fixture.manager.status = snapshot.Status{BaselineEstablished: true, BaselineFiles: 3}
	fixture.correlator.StartMonitoring("team-1")

	recorder := performJSON(t, fixture.handler, http.MethodGet, "/v1/status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["team_id"] != "team-1" || response["user_id"] != "user-1" {
		t.Fatalf("unexpected identity fields: %v", response)
	}
	if response["baseline_established"] != true {
		t.Fatalf("expected baseline flag in status: %v", response)
	}
	if response["monitoring"] != true {
		t.Fatalf("expected monitoring flag: %v", response)
	}
}

func TestSnapshotEndpointDrivesManager(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/snapshots", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.manager.snapshotCalls != 1 {
		t.Fatalf("expected one snapshot call, got %d", fixture.manager.snapshotCalls)
	}
	if fixture.manager.lastUserID != "user-1" || fixture.manager.lastTeamID != "team-1" {
		t.Fatalf("unexpected actor: %s/%s", fixture.manager.lastUserID, fixture.manager.lastTeamID)
	}
}

func TestIncrementalSnapshotReportsCommitDecision(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	fixture.manager.commitResult = false

	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/snapshots/incremental", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["committed"] != false {
		t.Fatalf("expected committed=false, got %v", response)
	}
}

func TestTrackingEndpointsRequireSignIn(t *testing.T) {
	fixture := newRouterFixture(t, "", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/snapshots", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when signed out, got %d", recorder.Code)
	}
	if fixture.manager.snapshotCalls != 0 {
		t.Fatalf("manager must not be called without a user")
	}
}

func TestTrackingEndpointsRequireSelectedTeam(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/snapshots/incremental", nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a team, got %d", recorder.Code)
	}
	if fixture.manager.incrementalCalls != 0 {
		t.Fatalf("manager must not be called without a team")
	}
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")

	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/tracking/pause", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on pause, got %d", recorder.Code)
	}
	recorder = performJSON(t, fixture.handler, http.MethodPost, "/v1/tracking/resume", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on resume, got %d", recorder.Code)
	}
	if fixture.manager.pauseCalls != 1 || fixture.manager.resumeCalls != 1 {
		t.Fatalf("expected one pause and one resume, got %d/%d",
			fixture.manager.pauseCalls, fixture.manager.resumeCalls)
	}
}

type fakeCanceler struct{ cancels int }

func (c *fakeCanceler) Cancel() { c.cancels++ }

func TestPauseCancelsPendingIdleTrigger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := &fakeManager{}
	canceler := &fakeCanceler{}
	handler, err := NewHTTPHandler(Dependencies{
		Manager:    manager,
		Correlator: &fakeCorrelator{},
		Teams:      &fakeTeams{selected: "team-1"},
		Identity:   fakeResolver{userID: "user-1"},
		Scheduler:  canceler,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	recorder := performJSON(t, handler, http.MethodPost, "/v1/tracking/pause", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on pause, got %d", recorder.Code)
	}
	if canceler.cancels != 1 {
		t.Fatalf("expected the pending idle trigger to be cancelled once, got %d", canceler.cancels)
	}
}

func TestCreateSessionRequiresSessionID(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/sessions", map[string]string{"session_id": "  "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank session id, got %d", recorder.Code)
	}
}

func TestCreateSessionReturnsRecordID(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/sessions", map[string]string{"session_id": "pair-42"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fixture.manager.lastSessionID != "pair-42" {
		t.Fatalf("expected session id to reach the manager, got %q", fixture.manager.lastSessionID)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["record_id"] != "session-record-1" {
		t.Fatalf("unexpected record id: %v", response)
	}
}

func TestSessionChangesMapsMissingBaselineToConflict(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	fixture.manager.sessionReportErr = snapshot.ErrNoSessionBaseline

	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/sessions/changes", nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 without an active session, got %d", recorder.Code)
	}
}

func TestSessionChangesReturnsReport(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	fixture.manager.sessionReport = "### main.go\n+added\n"

	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/sessions/changes", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["changes"] != fixture.manager.sessionReport {
		t.Fatalf("unexpected report: %v", response)
	}
}

func TestSelectTeamResetsBaselineAndRebindsCorrelator(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	fixture.correlator.StartMonitoring("team-1")

	recorder := performJSON(t, fixture.handler, http.MethodPut, "/v1/team", map[string]string{"team_id": "team-2"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fixture.teams.selected != "team-2" {
		t.Fatalf("expected team-2 persisted, got %q", fixture.teams.selected)
	}
	if fixture.manager.resetCalls != 1 {
		t.Fatalf("expected baseline reset on team switch")
	}
	if fixture.correlator.MonitoredTeam() != "team-2" {
		t.Fatalf("expected correlator rebound to team-2, got %q", fixture.correlator.MonitoredTeam())
	}
}

func TestSelectTeamRejectsBlankID(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodPut, "/v1/team", map[string]string{"team_id": ""})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank team, got %d", recorder.Code)
	}
	if fixture.manager.resetCalls != 0 {
		t.Fatalf("reset must not run on rejected input")
	}
}

func TestCheckEndpointTriggersCorrelationPass(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "team-1")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/checks", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fixture.correlator.checkCalls != 1 || fixture.correlator.checkedTeams[0] != "team-1" {
		t.Fatalf("expected one check for team-1, got %v", fixture.correlator.checkedTeams)
	}
}

func TestCheckEndpointRequiresTeam(t *testing.T) {
	fixture := newRouterFixture(t, "user-1", "")
	recorder := performJSON(t, fixture.handler, http.MethodPost, "/v1/checks", nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a team, got %d", recorder.Code)
	}
	if fixture.correlator.checkCalls != 0 {
		t.Fatalf("correlator must not run without a team")
	}
}
