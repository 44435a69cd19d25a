package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pairsight/internal/snapshot"
)

var (
	errMissingManager    = errors.New("snapshot manager dependency required")
	errMissingCorrelator = errors.New("activity correlator dependency required")
	errMissingTeams      = errors.New("team selector dependency required")
	errMissingIdentity   = errors.New("identity resolver dependency required")
)

// SnapshotManager is the tracking engine surface the control API drives.
type SnapshotManager interface {
	TakeSnapshot(ctx context.Context, userID, teamID string) error
	TakeIncrementalSnapshot(ctx context.Context, userID, teamID string) (bool, error)
	PauseTracking(ctx context.Context, userID, teamID string) error
	ResumeTracking(ctx context.Context, userID, teamID string) error
	CreateSessionBaseline(ctx context.Context, userID, teamID, sessionID string) (string, error)
	CaptureSessionChanges(ctx context.Context, userID, teamID string) (string, error)
	Reset()
	Status() snapshot.Status
}

// ActivityCorrelator is the concurrent-activity surface the control API drives.
type ActivityCorrelator interface {
	TriggerCheck(ctx context.Context, teamID string) error
	StartMonitoring(teamID string)
	StopMonitoring()
	Monitoring() bool
	MonitoredTeam() string
}

// TeamSelector reads and persists the active team.
type TeamSelector interface {
	SelectedTeam(ctx context.Context) (string, error)
	SelectTeam(ctx context.Context, teamID string) error
}

// IdentityResolver reports the signed-in user; empty means signed out.
type IdentityResolver interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// IdleCanceler drops a pending idle trigger. Optional: when absent, pause
// relies on the manager ignoring fires while paused.
type IdleCanceler interface {
	Cancel()
}

type Dependencies struct {
	Manager    SnapshotManager
	Correlator ActivityCorrelator
	Teams      TeamSelector
	Identity   IdentityResolver
	Scheduler  IdleCanceler
	Logger     *zap.Logger
}

// NewHTTPHandler builds the loopback control API. The agent binds it to
// localhost only; requests carry no credentials.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Correlator == nil {
		return nil, errMissingCorrelator
	}
	if deps.Teams == nil {
		return nil, errMissingTeams
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		manager:    deps.Manager,
		correlator: deps.Correlator,
		teams:      deps.Teams,
		identity:   deps.Identity,
		scheduler:  deps.Scheduler,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	v1 := router.Group("/v1")
	v1.GET("/status", handler.handleStatus)
	v1.POST("/snapshots", handler.handleSnapshot)
	v1.POST("/snapshots/incremental", handler.handleIncrementalSnapshot)
	v1.POST("/tracking/pause", handler.handlePause)
	v1.POST("/tracking/resume", handler.handleResume)
	v1.POST("/sessions", handler.handleCreateSession)
	v1.POST("/sessions/changes", handler.handleSessionChanges)
	v1.PUT("/team", handler.handleSelectTeam)
	v1.POST("/checks", handler.handleCheck)

	return router, nil
}

type httpHandler struct {
	manager    SnapshotManager
	correlator ActivityCorrelator
	teams      TeamSelector
	identity   IdentityResolver
	scheduler  IdleCanceler
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponsePayload struct {
	snapshot.Status
	TeamID     string `json:"team_id"`
	UserID     string `json:"user_id"`
	Monitoring bool   `json:"monitoring"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	teamID, err := h.teams.SelectedTeam(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read selected team", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	userID, err := h.identity.CurrentUserID(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	c.JSON(http.StatusOK, statusResponsePayload{
		Status:     h.manager.Status(),
		TeamID:     teamID,
		UserID:     userID,
		Monitoring: h.correlator.Monitoring(),
	})
}

// resolveActor loads the user and team every tracking endpoint needs. A
// missing user is 401, a missing team 409: the first is fixed by signing in,
// the second by selecting a team.
func (h *httpHandler) resolveActor(c *gin.Context) (userID, teamID string, ok bool) {
	userID, err := h.identity.CurrentUserID(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return "", "", false
	}
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_signed_in"})
		return "", "", false
	}
	teamID, err = h.teams.SelectedTeam(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read selected team", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "team_lookup_failed"})
		return "", "", false
	}
	if teamID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no_team_selected"})
		return "", "", false
	}
	return userID, teamID, true
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	userID, teamID, ok := h.resolveActor(c)
	if !ok {
		return
	}
	if err := h.manager.TakeSnapshot(c.Request.Context(), userID, teamID); err != nil {
		h.logger.Error("baseline snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline_established": true})
}

func (h *httpHandler) handleIncrementalSnapshot(c *gin.Context) {
	userID, teamID, ok := h.resolveActor(c)
	if !ok {
		return
	}
	committed, err := h.manager.TakeIncrementalSnapshot(c.Request.Context(), userID, teamID)
	if err != nil {
		h.logger.Error("incremental snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": committed})
}

func (h *httpHandler) handlePause(c *gin.Context) {
	userID, teamID, ok := h.resolveActor(c)
	if !ok {
		return
	}
	if err := h.manager.PauseTracking(c.Request.Context(), userID, teamID); err != nil {
		h.logger.Error("pause failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pause_failed"})
		return
	}
	if h.scheduler != nil {
		h.scheduler.Cancel()
	}
	c.JSON(http.StatusOK, gin.H{"tracking_paused": true})
}

func (h *httpHandler) handleResume(c *gin.Context) {
	userID, teamID, ok := h.resolveActor(c)
	if !ok {
		return
	}
	if err := h.manager.ResumeTracking(c.Request.Context(), userID, teamID); err != nil {
		h.logger.Error("resume failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resume_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracking_paused": false})
}

type createSessionPayload struct {
	SessionID string `json:"session_id"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	userID, teamID, ok := h.resolveActor(c)
	if !ok {
		return
	}
	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	recordID, err := h.manager.CreateSessionBaseline(c.Request.Context(), userID, teamID, strings.TrimSpace(request.SessionID))
	if err != nil {
		h.logger.Error("session baseline failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": recordID})
}

func (h *httpHandler) handleSessionChanges(c *gin.Context) {
	userID, teamID, ok := h.resolveActor(c)
	if !ok {
		return
	}
	report, err := h.manager.CaptureSessionChanges(c.Request.Context(), userID, teamID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSessionBaseline) {
			c.JSON(http.StatusConflict, gin.H{"error": "no_active_session"})
			return
		}
		h.logger.Error("session changes failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": report})
}

type selectTeamPayload struct {
	TeamID string `json:"team_id"`
}

// handleSelectTeam switches the active team. The baseline belongs to the old
// team's stream, so it is discarded, and the correlator is rebound so the
// polling loop never reads a stale team.
func (h *httpHandler) handleSelectTeam(c *gin.Context) {
	var request selectTeamPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TeamID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	teamID := strings.TrimSpace(request.TeamID)

	if err := h.teams.SelectTeam(c.Request.Context(), teamID); err != nil {
		h.logger.Error("team selection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "team_select_failed"})
		return
	}
	h.manager.Reset()
	h.correlator.StartMonitoring(teamID)

	c.JSON(http.StatusOK, gin.H{"team_id": teamID})
}

func (h *httpHandler) handleCheck(c *gin.Context) {
	teamID, err := h.teams.SelectedTeam(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read selected team", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check_failed"})
		return
	}
	if teamID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no_team_selected"})
		return
	}
	if err := h.correlator.TriggerCheck(c.Request.Context(), teamID); err != nil {
		h.logger.Error("correlation check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked": true})
}
