package server

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/logging"
	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/pagination"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/transaction"
	"github.com/mbd888/agentbattle/internal/usdc"
	"github.com/mbd888/agentbattle/internal/validation"
	"github.com/mbd888/agentbattle/internal/wallet"
)

const (
	defaultRecent   = 5
	maxTimeline     = 500
	defaultPageSize = 50
	maxPageSize     = 200
)

// CreateSessionRequest optionally overrides the server defaults for one
// session. Every field may be omitted.
type CreateSessionRequest struct {
	RequesterStable battle.Decimal `json:"requesterStable,omitempty"`
	ProviderStable  battle.Decimal `json:"providerStable,omitempty"`
	Gas             battle.Decimal `json:"gas,omitempty"`
	MaxRounds       int            `json:"maxRounds,omitempty"`
	Deadline        string         `json:"deadline,omitempty"`
	DisputeWindow   string         `json:"disputeWindow,omitempty"`
}

// SessionResponse is a session with its current snapshot.
type SessionResponse struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"createdAt"`
	LastActive time.Time       `json:"lastActive"`
	Snapshot   battle.Snapshot `json:"snapshot"`
}

// SessionInfo is the list form of a session.
type SessionInfo struct {
	ID         string         `json:"id"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastActive time.Time      `json:"lastActive"`
	State      protocol.State `json:"state"`
	Version    uint64         `json:"version"`
}

func sessionResponse(sess *battle.Session) SessionResponse {
	return SessionResponse{
		ID:         sess.ID,
		CreatedAt:  sess.CreatedAt,
		LastActive: sess.LastActive(),
		Snapshot:   sess.Snapshot(),
	}
}

// sessionConfig applies req on top of the service defaults.
func (s *Server) sessionConfig(req CreateSessionRequest) (battle.Config, validation.ValidationErrors) {
	cfg := s.battles.Defaults()
	var errs validation.ValidationErrors

	balance := func(field string, v battle.Decimal, decimals int, dst **big.Int) {
		if v == "" {
			return
		}
		n, err := usdc.ParseUnits(string(v), decimals)
		if err != nil {
			errs = append(errs, validation.ValidationError{Field: field, Message: err.Error()})
			return
		}
		*dst = n
	}
	balance("requesterStable", req.RequesterStable, usdc.Decimals, &cfg.RequesterStable)
	balance("providerStable", req.ProviderStable, usdc.Decimals, &cfg.ProviderStable)
	balance("gas", req.Gas, usdc.GasDecimals, &cfg.Gas)

	if req.MaxRounds != 0 {
		if req.MaxRounds < negotiation.MinRounds || req.MaxRounds > negotiation.MaxRoundsLimit {
			errs = append(errs, validation.ValidationError{Field: "maxRounds", Message: "must be between 1 and 5"})
		} else {
			cfg.DefaultMaxRounds = req.MaxRounds
		}
	}
	duration := func(field, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, validation.ValidationError{Field: field, Message: "must be a positive duration such as 24h"})
			return
		}
		*dst = d
	}
	duration("deadline", req.Deadline, &cfg.DefaultDeadline)
	duration("disputeWindow", req.DisputeWindow, &cfg.DefaultDisputeWindow)
	return cfg, errs
}

func (s *Server) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	cfg, errs := s.sessionConfig(req)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sess, err := s.battles.Create(c.Request.Context(), &cfg)
	if err != nil {
		if errors.Is(err, battle.ErrTooManySessions) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "too_many_sessions",
				"message": "Session limit reached, try again later",
			})
			return
		}
		s.internalError(c, "failed to create session", err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(sess))
}

func (s *Server) listSessions(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		return
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not one this server issued",
		})
		return
	}

	sessions, err := s.battles.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to list sessions", err)
		return
	}
	page := pagination.Paginate(sessions, after, limit, func(sess *battle.Session) pagination.Cursor {
		return pagination.Cursor{CreatedAt: sess.CreatedAt, ID: sess.ID}
	})

	out := make([]SessionInfo, 0, len(page.Items))
	for _, sess := range page.Items {
		snap := sess.Snapshot()
		out = append(out, SessionInfo{
			ID:         sess.ID,
			CreatedAt:  sess.CreatedAt,
			LastActive: sess.LastActive(),
			State:      snap.State(),
			Version:    snap.Version,
		})
	}
	resp := gin.H{"sessions": out, "count": len(out), "hasMore": page.HasMore}
	if page.HasMore {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// session loads the :id session, answering 404 itself when it is missing.
func (s *Server) session(c *gin.Context) (*battle.Session, bool) {
	sess, err := s.battles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, battle.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "No session with that id",
			})
			return nil, false
		}
		s.internalError(c, "failed to load session", err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

func (s *Server) deleteSession(c *gin.Context) {
	err := s.battles.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, battle.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "No session with that id",
		})
		return
	}
	if err != nil {
		s.internalError(c, "failed to delete session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) dispatchIntent(c *gin.Context) {
	var env battle.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if errs := validation.Envelope(env); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	in, err := validation.Clean(env).Intent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": err.Error(),
		})
		return
	}

	id := c.Param("id")
	snap, err := s.battles.Dispatch(c.Request.Context(), id, in)
	if err != nil {
		s.dispatchError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent":   in.Kind(),
		"version":  snap.Version,
		"snapshot": snap,
	})
}

// dispatchError maps a failed dispatch onto a status code. Rejections carry
// the unchanged snapshot so clients can resync.
func (s *Server) dispatchError(c *gin.Context, snap battle.Snapshot, err error) {
	var inv *battle.InvariantError
	var rej *battle.Rejection
	switch {
	case errors.Is(err, battle.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "No session with that id",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "busy",
			"message": "Session is busy, try again",
		})
	case errors.As(err, &inv):
		logging.L(c.Request.Context()).Error("intent halted by invariant check", "intent", inv.Intent, "error", inv.Err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "invariant_violation",
			"message": "The intent was discarded because it would corrupt the simulation",
		})
	case errors.As(err, &rej):
		status := http.StatusConflict
		if rej.InvalidInput() {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":    rejectionCode(rej),
			"message":  rej.Reason,
			"intent":   rej.Intent,
			"snapshot": snap,
		})
	default:
		s.internalError(c, "dispatch failed", err)
	}
}

// rejectionCode names the most specific cause of a rejection.
func rejectionCode(rej *battle.Rejection) string {
	codes := []struct {
		err  error
		code string
	}{
		{negotiation.ErrNotYourTurn, "not_your_turn"},
		{negotiation.ErrMaxCounterRounds, "max_counter_rounds"},
		{negotiation.ErrNotActive, "negotiation_closed"},
		{wallet.ErrInsufficientBalance, "insufficient_balance"},
		{transaction.ErrEscrowNotApproved, "escrow_not_approved"},
		{transaction.ErrAlreadyApproved, "already_approved"},
		{transaction.ErrDisputeWindowClosed, "dispute_window_closed"},
		{transaction.ErrActiveTransaction, "active_transaction"},
		{transaction.ErrNoTransaction, "no_transaction"},
		{transaction.ErrTerminal, "transaction_finished"},
		{transaction.ErrWrongActor, "wrong_actor"},
		{battle.ErrInvalidInput, "invalid_input"},
	}
	for _, c := range codes {
		if errors.Is(rej, c.err) {
			return c.code
		}
	}
	return "invalid_transition"
}

func (s *Server) getTimeline(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	snap := sess.Snapshot()

	limit, err := queryInt(c, "limit", maxTimeline)
	if err != nil {
		return
	}
	since, err := queryInt(c, "since", 0)
	if err != nil {
		return
	}
	events := snap.Timeline.Since(uint64(since))
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{
		"events":  events,
		"count":   len(events),
		"total":   snap.Timeline.Len(),
		"version": snap.Version,
	})
}

func (s *Server) getSummary(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	recent, err := queryInt(c, "recent", defaultRecent)
	if err != nil {
		return
	}
	sum := battle.Summarize(sess.Snapshot(), recent)
	if c.Query("format") == "text" {
		c.String(http.StatusOK, sum.Text())
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) getActions(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	actions := battle.Available(sess.Snapshot())
	if actions == nil {
		actions = []battle.Action{}
	}
	c.JSON(http.StatusOK, gin.H{
		"actions":   actions,
		"waitingOn": battle.Waiting(actions),
	})
}

// queryInt reads a non-negative integer query parameter, answering 400
// itself on bad input.
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_query",
			"message": name + " must be a non-negative integer",
		})
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}
