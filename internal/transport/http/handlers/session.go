package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/arklim/streampay/internal/usecase"
	"github.com/arklim/streampay/internal/verifier"
)

// paymentHeader carries the payment artifact on settle requests.
const paymentHeader = "X-Payment"

// SessionHandler exposes endpoints for the billing session lifecycle.
type SessionHandler struct {
	sessions    *usecase.SessionService
	settlements *prometheus.CounterVec
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(sessions *usecase.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// WithSettlementMetrics records settle outcomes on the provided counter.
func (h *SessionHandler) WithSettlementMetrics(outcomes *prometheus.CounterVec) *SessionHandler {
	h.settlements = outcomes
	return h
}

func (h *SessionHandler) recordSettlement(outcome string) {
	if h.settlements == nil {
		return
	}
	h.settlements.WithLabelValues(outcome).Inc()
}

// RegisterRoutes binds REST session routes to the provided router group.
// The middleware slices let callers rate limit the start and settle paths
// without touching the cheap read endpoints.
func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup, startMiddlewares, settleMiddlewares []gin.HandlerFunc) {
	if r == nil {
		return
	}

	startChain := append([]gin.HandlerFunc{}, startMiddlewares...)
	startChain = append(startChain, h.StartSession)
	r.POST("/start", startChain...)

	r.GET("", h.ListSessions)
	r.GET("/:session_id", h.GetSession)
	r.POST("/:session_id/stop", h.StopSession)

	settleChain := append([]gin.HandlerFunc{}, settleMiddlewares...)
	settleChain = append(settleChain, h.SettleSession)
	r.POST("/:session_id/settle", settleChain...)
}

// StartSession godoc
// @Summary Open a billing session
// @Description Starts per-second billing between a viewer and a creator. Responds 409 carrying the existing session when the pair already has an active one.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param request body StartSessionRequest true "Session start request"
// @Success 201 {object} StartSessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} StartSessionResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions/start [post]
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "rate must be a decimal string"))
		return
	}

	result, err := h.sessions.Start(c.Request.Context(), req.Viewer, req.Creator, rate)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrInvalidAddress, Status: http.StatusBadRequest, Message: usecase.ErrInvalidAddress.Error()},
			{Err: usecase.ErrInvalidRate, Status: http.StatusBadRequest, Message: usecase.ErrInvalidRate.Error()},
		}, http.StatusInternalServerError, "failed to start session")
		return
	}

	// A duplicate active pair is a lifecycle conflict, but the body still
	// carries the existing session so clients can resume it.
	status := http.StatusCreated
	if result.Existing {
		status = http.StatusConflict
	}

	c.JSON(status, StartSessionResponse{
		Session:  newSessionPayload(*result.Session, nil),
		Existing: result.Existing,
	})
}

// GetSession godoc
// @Summary Fetch a session
// @Description Returns the session record, with the live running cost while it is active.
// @Tags Sessions
// @Produce json
// @Param session_id path string true "Session identifier"
// @Success 200 {object} SessionPayload
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions/{session_id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	session, live, err := h.sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrSessionNotFound, Status: http.StatusNotFound, Message: "session not found"},
		}, http.StatusInternalServerError, "failed to fetch session")
		return
	}

	c.JSON(http.StatusOK, newSessionPayload(*session, live))
}

// ListSessions godoc
// @Summary List sessions
// @Description Returns sessions filtered by optional viewer, creator, and status query parameters.
// @Tags Sessions
// @Produce json
// @Param viewer query string false "Viewer address filter"
// @Param creator query string false "Creator address filter"
// @Param status query string false "Status filter (active, stopped, settled)"
// @Success 200 {object} SessionListResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(
		c.Request.Context(),
		c.Query("viewer"),
		c.Query("creator"),
		c.Query("status"),
	)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrInvalidStatusFilter, Status: http.StatusBadRequest, Message: usecase.ErrInvalidStatusFilter.Error()},
		}, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	payloads := make([]SessionPayload, 0, len(sessions))
	for _, session := range sessions {
		payloads = append(payloads, newSessionPayload(session, nil))
	}

	c.JSON(http.StatusOK, SessionListResponse{Sessions: payloads, Total: len(payloads)})
}

// StopSession godoc
// @Summary Stop a session
// @Description Freezes the session's duration and amount owed. Stopping an already frozen session returns the frozen record unchanged.
// @Tags Sessions
// @Produce json
// @Param session_id path string true "Session identifier"
// @Success 200 {object} SessionPayload
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions/{session_id}/stop [post]
func (h *SessionHandler) StopSession(c *gin.Context) {
	session, err := h.sessions.Stop(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrSessionNotFound, Status: http.StatusNotFound, Message: "session not found"},
		}, http.StatusInternalServerError, "failed to stop session")
		return
	}

	c.JSON(http.StatusOK, newSessionPayload(*session, nil))
}

// SettleSession godoc
// @Summary Settle a session
// @Description Runs the 402 payment exchange. Without an X-Payment header the frozen obligation comes back as a payment challenge; with one, the artifact is verified against the ledger before the session is marked settled.
// @Tags Sessions
// @Produce json
// @Param session_id path string true "Session identifier"
// @Param X-Payment header string false "Payment artifact"
// @Success 200 {object} SettleSessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} domain.PaymentChallenge
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} VerificationFailureResponse
// @Router /api/v1/sessions/{session_id}/settle [post]
func (h *SessionHandler) SettleSession(c *gin.Context) {
	artifact := c.GetHeader(paymentHeader)

	result, err := h.sessions.Settle(c.Request.Context(), c.Param("session_id"), artifact)
	if err != nil {
		h.respondSettleError(c, result, err)
		return
	}

	if result.Challenge != nil {
		h.recordSettlement("challenge_issued")
		c.JSON(http.StatusPaymentRequired, result.Challenge)
		return
	}

	h.recordSettlement("settled")
	c.JSON(http.StatusOK, SettleSessionResponse{
		Session:    newSessionPayload(*result.Session, nil),
		Settlement: newSettlementConfirmation(*result.Settlement),
	})
}

func (h *SessionHandler) respondSettleError(c *gin.Context, result *usecase.SettleResult, err error) {
	if errors.Is(err, usecase.ErrAlreadySettled) {
		response := AlreadySettledResponse{Error: "session already settled"}
		if result != nil && result.Session != nil {
			response.SettlementTxn = result.Session.SettlementTxn
		}
		if traceID, ok := c.Get("trace_id"); ok {
			response.TraceID, _ = traceID.(string)
		}
		c.JSON(http.StatusBadRequest, response)
		return
	}

	if verr, ok := verifier.AsError(err); ok {
		h.recordSettlement(string(verr.Kind))
		response := VerificationFailureResponse{
			Error:     "settlement verification failed",
			Kind:      string(verr.Kind),
			Expected:  verr.Expected,
			Actual:    verr.Actual,
			Retryable: verr.Kind.Retryable(),
		}
		if traceID, ok := c.Get("trace_id"); ok {
			response.TraceID, _ = traceID.(string)
		}

		status := http.StatusPaymentRequired
		if verr.Kind == verifier.KindBlockchainError {
			status = http.StatusBadGateway
		}
		c.JSON(status, response)
		return
	}

	RespondWithMappedError(c, err, []ErrorCase{
		{Err: usecase.ErrSessionNotFound, Status: http.StatusNotFound, Message: "session not found"},
		{Err: verifier.ErrInvalidArtifact, Status: http.StatusBadRequest, Message: "malformed payment artifact"},
		{Err: verifier.ErrUnsupportedArtifact, Status: http.StatusBadRequest, Message: "unsupported payment artifact"},
	}, http.StatusInternalServerError, "failed to settle session")
}
