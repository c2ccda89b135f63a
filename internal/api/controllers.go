package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/session"
	"autotrade-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type enableRequest struct {
	Mode string `json:"mode" binding:"required,oneof=conservative moderate aggressive"`
}

type settingsRequest struct {
	Enabled *bool  `json:"enabled"`
	Mode    string `json:"mode" binding:"required,oneof=conservative moderate aggressive"`
}

type pauseRequest struct {
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=1,max=1440"`
	Reason          string `json:"reason" binding:"max=200"`
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

type listTradesQuery struct {
	Status       string `form:"status"`
	StatusFilter string `form:"status_filter"`
	Symbol       string `form:"symbol"`
	StartDate    string `form:"start_date"`
	EndDate      string `form:"end_date"`
	Limit        int    `form:"limit"`
	Offset       int    `form:"offset"`
}

type linkBrokerRequest struct {
	BrokerID  string `json:"broker_id" binding:"required,min=1"`
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
}

func (q *listTradesQuery) normalize() {
	if q.Status == "" {
		q.Status = q.StatusFilter
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine and session errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrPlanNotEligible):
		respondError(c, http.StatusForbidden, "PLAN_NOT_ELIGIBLE", "plan does not allow auto-trading")
	case errors.Is(err, session.ErrModeNotAllowed):
		respondError(c, http.StatusForbidden, "MODE_NOT_ALLOWED", "plan does not allow this trading mode")
	case errors.Is(err, session.ErrInvalidDuration):
		respondError(c, http.StatusBadRequest, "INVALID_DURATION", "pause duration must be 1 to 1440 minutes")
	case errors.Is(err, session.ErrNotPaused):
		respondError(c, http.StatusConflict, "NOT_PAUSED", "session is not paused")
	case errors.Is(err, session.ErrAlreadyDisabled):
		respondError(c, http.StatusConflict, "ALREADY_DISABLED", "auto-trading is already disabled")
	case errors.Is(err, session.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "record not found")
	case errors.Is(err, broker.ErrDisconnected):
		respondError(c, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE", "broker link is not connected")
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getAutoTradingStatus(c *gin.Context) {
	status, err := s.Engine.Status(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) enableAutoTrading(c *gin.Context) {
	var req enableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := s.Engine.Enable(c.Request.Context(), CurrentUserID(c), req.Mode); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.SessionActive, "mode": req.Mode})
}

func (s *Server) disableAutoTrading(c *gin.Context) {
	if err := s.Engine.Disable(c.Request.Context(), CurrentUserID(c)); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.SessionDisabled})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := s.Engine.UpdateSettings(c.Request.Context(), CurrentUserID(c), req.Mode, req.Enabled); err != nil {
		respondEngineError(c, err)
		return
	}
	resp := gin.H{"mode": req.Mode}
	if req.Enabled != nil {
		resp["enabled"] = *req.Enabled
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pauseAutoTrading(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := s.Engine.Pause(c.Request.Context(), CurrentUserID(c), req.DurationMinutes, req.Reason); err != nil {
		respondEngineError(c, err)
		return
	}

	// Echo the stored deadline rather than recomputing it here.
	resp := gin.H{"status": db.SessionPaused}
	if status, err := s.Engine.Status(c.Request.Context(), CurrentUserID(c)); err == nil && status.PausedUntil != nil {
		resp["paused_until"] = status.PausedUntil.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) resumeAutoTrading(c *gin.Context) {
	if err := s.Engine.Resume(c.Request.Context(), CurrentUserID(c)); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.SessionActive})
}

func (s *Server) emergencyStop(c *gin.Context) {
	// A stop is never rejected on payload grounds; a bare request still stops.
	var req emergencyStopRequest
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual_stop"
	}
	if len(reason) > 200 {
		reason = reason[:200]
	}
	if err := s.Engine.EmergencyStop(c.Request.Context(), CurrentUserID(c), reason); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.SessionEmergencyStopped})
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	query := engine.TradeQuery{
		Status: strings.TrimSpace(q.Status),
		Symbol: strings.TrimSpace(q.Symbol),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if q.StartDate != "" {
		t, err := parseDate(q.StartDate)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_DATE", "start_date must be RFC3339 or YYYY-MM-DD")
			return
		}
		query.StartDate = &t
	}
	if q.EndDate != "" {
		t, err := parseDate(q.EndDate)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_DATE", "end_date must be RFC3339 or YYYY-MM-DD")
			return
		}
		query.EndDate = &t
	}

	trades, err := s.Engine.ListTrades(c.Request.Context(), CurrentUserID(c), query)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func (s *Server) getBalance(c *gin.Context) {
	funds, err := s.Funds.Fetch(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":    funds.Available,
		"buying_power": funds.BuyingPower,
	})
}

func (s *Server) linkBroker(c *gin.Context) {
	var req linkBrokerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	encKey, err := s.Encryptor.Encrypt(req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encrypt credentials")
		return
	}
	encSecret, err := s.Encryptor.Encrypt(req.APISecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encrypt credentials")
		return
	}

	userID := CurrentUserID(c)
	link := db.BrokerLink{
		ID:                 uuid.NewString(),
		UserID:             userID,
		BrokerID:           req.BrokerID,
		IsPrimary:          true,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		Connected:          true,
	}
	if err := s.Queries.UpsertBrokerLink(c.Request.Context(), link); err != nil {
		respondEngineError(c, err)
		return
	}
	s.Funds.Invalidate(userID)

	c.JSON(http.StatusCreated, gin.H{
		"link_id":   link.ID,
		"broker_id": link.BrokerID,
		"connected": true,
	})
}

func (s *Server) getMarketStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.MarketStatus(c.Request.Context()))
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.SystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
