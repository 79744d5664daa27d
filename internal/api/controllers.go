package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"portfolio-risk/internal/breaker"
	"portfolio-risk/internal/engine"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/db"
)

type recordPnLRequest struct {
	StrategyID string   `json:"strategy_id" binding:"required"`
	PnL        *float64 `json:"pnl" binding:"required"`
}

type createTradeRequest struct {
	ID         string   `json:"id"`
	StrategyID string   `json:"strategy_id"`
	Symbol     string   `json:"symbol" binding:"required,min=1"`
	Side       string   `json:"side" binding:"required"`
	EntryPrice float64  `json:"entry_price" binding:"gt=0"`
	Quantity   float64  `json:"quantity" binding:"gt=0"`
	StopLoss   *float64 `json:"stop_loss"`
	Leverage   *float64 `json:"leverage"`
	Status     string   `json:"status"`
}

type updateTradeStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type listTradesQuery struct {
	Symbol     string `form:"symbol"`
	StrategyID string `form:"strategy_id"`
	Status     string `form:"status"` // comma separated
}

type historyQuery struct {
	Limit int `form:"limit"`
}

func (q *historyQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type tradeResponse struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	Leverage   *float64  `json:"leverage,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toTradeResponse(t db.Trade) tradeResponse {
	return tradeResponse{
		ID:         t.ID,
		AccountID:  t.AccountID,
		StrategyID: t.StrategyID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		EntryPrice: t.EntryPrice,
		Quantity:   t.Quantity,
		StopLoss:   t.StopLoss,
		Leverage:   t.Leverage,
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
	}
}

type breakerEventResponse struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Action      string    `json:"action"`
	DrawdownPct float64   `json:"drawdown_pct"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func respondAbort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// writeError maps engine errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, db.ErrAccountIDRequired):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, tracker.ErrEquityUnavailable):
		respondError(c, http.StatusServiceUnavailable, "EQUITY_UNAVAILABLE", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

// getSystemStatus exposes runtime mode and engine health.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

// validateTrade runs the risk pipeline. Rejections are regular 200 responses;
// only a failed dependency maps to 503 so callers know a retry may pass.
func (s *Server) validateTrade(c *gin.Context) {
	var req risk.TradeParams
	if !bindJSON(c, &req) {
		return
	}
	if claims := CurrentClaims(c); claims == nil || !claims.CanAccess(req.AccountID) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "account is outside the token scope")
		return
	}

	res := s.Engine.ValidateTrade(c.Request.Context(), req)
	status := http.StatusOK
	if !res.Passed && res.Kind == risk.KindDependency {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// updateBreakerConfig changes the thresholds of every account, so it needs a
// token that is not scoped to particular accounts.
func (s *Server) updateBreakerConfig(c *gin.Context) {
	if claims := CurrentClaims(c); claims == nil || len(claims.Accounts) > 0 {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "breaker config requires an unscoped token")
		return
	}
	var patch breaker.ConfigPatch
	if !bindJSON(c, &patch) {
		return
	}
	cfg, err := s.Engine.UpdateBreakerConfig(c.Request.Context(), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	s.log.Info("breaker config updated", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, cfg)
}

// --- Equity & allocation ---

func (s *Server) getSummary(c *gin.Context) {
	summary, err := s.Engine.GetSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getEquity(c *gin.Context) {
	info, err := s.Engine.GetEquity(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// setEquity drives the dry-run equity source.
func (s *Server) setEquity(c *gin.Context) {
	var req engine.EquityUpdate
	if !bindJSON(c, &req) {
		return
	}
	info, err := s.Engine.SetEquity(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) recordPnL(c *gin.Context) {
	var req recordPnLRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := s.Engine.RecordPnL(c.Request.Context(), c.Param("id"), req.StrategyID, *req.PnL); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (s *Server) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ListStrategies(c.Request.Context(), c.Param("id")))
}

func (s *Server) getAllocation(c *gin.Context) {
	info, err := s.Engine.GetAllocation(c.Request.Context(), c.Param("id"), c.Param("strategy"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getStrategyDrawdown(c *gin.Context) {
	info, err := s.Engine.GetStrategyDrawdown(c.Request.Context(), c.Param("id"), c.Param("strategy"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// --- Trade ledger ---

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	f := db.TradeFilter{Symbol: strings.ToUpper(q.Symbol), StrategyID: q.StrategyID}
	for _, st := range strings.Split(q.Status, ",") {
		if st = strings.TrimSpace(strings.ToLower(st)); st != "" {
			f.Statuses = append(f.Statuses, st)
		}
	}

	trades, err := s.Engine.ListTrades(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createTrade(c *gin.Context) {
	var req createTradeRequest
	if !bindJSON(c, &req) {
		return
	}
	trade, err := s.Engine.RecordTrade(c.Request.Context(), db.Trade{
		ID:         req.ID,
		AccountID:  c.Param("id"),
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		EntryPrice: req.EntryPrice,
		Quantity:   req.Quantity,
		StopLoss:   req.StopLoss,
		Leverage:   req.Leverage,
		Status:     strings.ToLower(req.Status),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTradeResponse(trade))
}

func (s *Server) updateTradeStatus(c *gin.Context) {
	var req updateTradeStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	status := strings.ToLower(req.Status)
	if err := s.Engine.UpdateTradeStatus(c.Request.Context(), c.Param("id"), c.Param("trade"), status); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("trade"), "status": status})
}

// --- Circuit breaker ---

func (s *Server) getBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.BreakerStatus(c.Request.Context(), c.Param("id")))
}

func (s *Server) evaluateBreaker(c *gin.Context) {
	status, err := s.Engine.EvaluateBreaker(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// forceResume clears every halt on the account. A failed peak reset is
// reported alongside the resume since the halts are already cleared.
func (s *Server) forceResume(c *gin.Context) {
	accountID := c.Param("id")
	resumed, err := s.Engine.ForceResume(c.Request.Context(), accountID)
	s.log.Warn("force resume requested",
		zap.String("account", accountID),
		zap.String("operator", CurrentOperator(c)),
		zap.Bool("resumed", resumed),
		zap.Error(err))

	if err != nil && !resumed {
		writeError(c, err)
		return
	}
	resp := gin.H{"resumed": resumed, "status": s.Engine.BreakerStatus(c.Request.Context(), accountID)}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getBreakerHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	evs, err := s.Engine.BreakerHistory(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]breakerEventResponse, 0, len(evs))
	for _, e := range evs {
		out = append(out, breakerEventResponse{
			ID:          e.ID,
			Scope:       e.Scope,
			StrategyID:  e.StrategyID,
			Action:      e.Action,
			DrawdownPct: e.DrawdownPct,
			Message:     e.Message,
			CreatedAt:   e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}
