// Package server adapts the sync engine to HTTP: connection lifecycle,
// table loads, transactions, named services and a server-sent change feed.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nortide/tessera/internal/engine"
	"github.com/nortide/tessera/internal/notify"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"go.uber.org/zap"
)

const sessionContextKey = "tessera_session"

var (
	errMissingEngine        = errors.New("sync engine dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRegistry      = errors.New("table registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates connection-bound bearer tokens.
type TokenManager interface {
	IssueToken(connectionID, machine string) (string, int64, error)
	ValidateToken(token string) (connectionID string, machine string, err error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Engine       *engine.Manager
	TokenManager TokenManager
	Registry     *schema.Registry
	Dispatcher   *notify.Dispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the full route table.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:     deps.Engine,
		tokens:     deps.TokenManager,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.POST("/connection/open", handler.handleOpenConnection)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/connection/initialize", handler.handleInitialize)
	protected.GET("/tables/:table", handler.handleLoadTable)
	protected.POST("/transaction", handler.handleTransaction)
	protected.POST("/service/:name", handler.handleService)
	protected.POST("/connection/ping", handler.handlePing)
	protected.POST("/connection/close", handler.handleCloseConnection)
	protected.GET("/changes", handler.handleChanges)

	return router, nil
}

type httpHandler struct {
	engine     *engine.Manager
	tokens     TokenManager
	registry   *schema.Registry
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

type openConnectionPayload struct {
	TenantID         int64  `json:"tenantId"`
	UserID           int64  `json:"userId"`
	Machine          string `json:"machine"`
	AlreadyConnected bool   `json:"alreadyConnected"`
}

type openConnectionResponse struct {
	ConnectionID string `json:"connectionId"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (h *httpHandler) handleOpenConnection(c *gin.Context) {
	var request openConnectionPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Machine) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, err := h.engine.OpenConnection(c.Request.Context(), request.TenantID, request.UserID, request.Machine, request.AlreadyConnected)
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(session.ConnectionID, session.Machine)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, openConnectionResponse{
		ConnectionID: session.ConnectionID,
		AccessToken:  token,
		ExpiresIn:    expiresIn,
		TokenType:    "Bearer",
	})
}

type initializePayload struct {
	Area     string `json:"area"`
	ModuleID int64  `json:"moduleId"`
}

func (h *httpHandler) handleInitialize(c *gin.Context) {
	session := h.session(c)

	var request initializePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Area) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	handshake, err := h.engine.Initialize(c.Request.Context(), session, request.Area, request.ModuleID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handshake)
}

func (h *httpHandler) handleLoadTable(c *gin.Context) {
	session := h.session(c)

	lots, err := h.engine.LoadTable(c.Request.Context(), session, c.Param("table"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lots": lots})
}

type transactionPayload struct {
	RequestID int64                   `json:"requestId"`
	Requests  []transactionSubRequest `json:"requests"`
}

type transactionSubRequest struct {
	Table    string          `json:"table"`
	Action   string          `json:"action"`
	RecordID int64           `json:"recordId"`
	CreateID *string         `json:"createId"`
	Payload  json.RawMessage `json:"payload"`
}

type transactionResponse struct {
	RequestID int64                `json:"requestId"`
	Rows      []transactionRowView `json:"rows"`
}

type transactionRowView struct {
	Table   string        `json:"table"`
	ID      int64         `json:"id"`
	Tick    int64         `json:"tick"`
	Deleted bool          `json:"deleted"`
	Record  record.Record `json:"record"`
}

func (h *httpHandler) handleTransaction(c *gin.Context) {
	session := h.session(c)

	var request transactionPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Requests) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	requests := make([]*schema.Request, 0, len(request.Requests))
	for _, sub := range request.Requests {
		decoded, err := h.decodeSubRequest(sub)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		requests = append(requests, decoded)
	}

	rows, err := h.engine.ExecuteTransaction(c.Request.Context(), session, request.RequestID, requests)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := transactionResponse{RequestID: request.RequestID + 1, Rows: make([]transactionRowView, 0, len(rows))}
	for _, row := range rows {
		response.Rows = append(response.Rows, transactionRowView{
			Table:   row.Record.TableName(),
			ID:      row.Record.GetID(),
			Tick:    row.Record.GetTick(),
			Deleted: row.Record.GetDeleted(),
			Record:  row.Record,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) decodeSubRequest(sub transactionSubRequest) (*schema.Request, error) {
	action := schema.Action(strings.ToLower(strings.TrimSpace(sub.Action)))
	decoded := &schema.Request{
		Table:    sub.Table,
		Action:   action,
		RecordID: sub.RecordID,
		CreateID: sub.CreateID,
	}
	if action == schema.ActionDelete {
		return decoded, nil
	}
	table, ok := h.registry.Lookup(sub.Table)
	if !ok {
		return nil, errors.New("unknown table")
	}
	if len(sub.Payload) == 0 {
		return nil, errors.New("missing payload")
	}
	rec := table.NewRecord()
	if err := json.Unmarshal(sub.Payload, rec); err != nil {
		return nil, err
	}
	decoded.Payload = rec
	return decoded, nil
}

func (h *httpHandler) handleService(c *gin.Context) {
	session := h.session(c)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.engine.ExecuteService(c.Request.Context(), session, c.Param("name"), payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if len(result) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

func (h *httpHandler) handlePing(c *gin.Context) {
	session := h.session(c)
	if err := h.engine.Ping(c.Request.Context(), session); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCloseConnection(c *gin.Context) {
	session := h.session(c)
	if err := h.engine.CloseConnection(c.Request.Context(), session); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

type changeEventPayload struct {
	TenantID    int64            `json:"tenantId"`
	Tick        int64            `json:"tick"`
	Differences []differenceView `json:"differences"`
	Timestamp   time.Time        `json:"timestamp"`
}

type differenceView struct {
	Table  string        `json:"table"`
	Before record.Record `json:"before"`
	After  record.Record `json:"after"`
}

// handleChanges streams the tenant's change feed as server-sent events.
func (h *httpHandler) handleChanges(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "changes_unavailable"})
		return
	}
	session := h.session(c)
	conn, err := h.engine.Connection(c.Request.Context(), session)
	if err != nil {
		h.respondError(c, err)
		return
	}

	stream, cancel := h.dispatcher.Subscribe(c.Request.Context(), conn.CustomerID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("change", changeEvent(message))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func changeEvent(message notify.ChangeMessage) changeEventPayload {
	event := changeEventPayload{
		TenantID:    message.TenantID,
		Tick:        message.Tick,
		Differences: make([]differenceView, 0, len(message.Differences)),
		Timestamp:   message.Timestamp,
	}
	for _, difference := range message.Differences {
		event.Differences = append(event.Differences, differenceView{
			Table:  difference.Table,
			Before: difference.Before,
			After:  difference.After,
		})
	}
	return event
}

func (h *httpHandler) session(c *gin.Context) engine.Session {
	value, _ := c.Get(sessionContextKey)
	session, _ := value.(engine.Session)
	return session
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	connectionID, machine, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, engine.Session{ConnectionID: connectionID, Machine: machine})
	c.Next()
}

// respondError maps engine errors onto the stable wire codes: refused is a
// 401, ordering conflicts are 409s the client resolves itself, everything
// else is a 500. Ordering conflicts are expected traffic and not logged as
// failures.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := engine.Code(err)
	switch code {
	case engine.CodeConnectionRefused:
		c.JSON(http.StatusUnauthorized, gin.H{"error": code})
	case engine.CodeRequestAlreadyExecuted, engine.CodeRequestDesynchronized:
		c.JSON(http.StatusConflict, gin.H{"error": code})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}
