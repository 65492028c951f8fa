package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerIDContextKey = "vaultsync_owner_id"

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingVaultStore     = errors.New("vault store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the vault owner.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// VaultStore is the blob persistence behind the HTTP API.
type VaultStore interface {
	Fetch(ctx context.Context, owner blobstore.OwnerID) (blobstore.Snapshot, error)
	Upload(ctx context.Context, owner blobstore.OwnerID, baseRevision int64, blob []byte) (blobstore.UploadOutcome, error)
}

type Dependencies struct {
	TokenValidator    TokenValidator
	VaultStore        VaultStore
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.VaultStore == nil {
		return nil, errMissingVaultStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", vault.ProtocolHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenValidator,
		vaults:    deps.VaultStore,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.requireProtocol, handler.authorizeRequest)
	protected.GET("/vault", handler.handleFetchVault)
	protected.POST("/vault", handler.handleUploadVault)
	protected.GET("/vault/events", handler.handleVaultEvents)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	vaults    VaultStore
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type vaultResponsePayload struct {
	Revision int64  `json:"revision"`
	Blob     []byte `json:"blob"`
}

type uploadRequestPayload struct {
	BaseRevision *int64 `json:"base_revision"`
	Blob         []byte `json:"blob"`
}

type uploadResponsePayload struct {
	Revision int64  `json:"revision"`
	Error    string `json:"error,omitempty"`
}

type vaultEventPayload struct {
	Revision int64  `json:"revision"`
	Source   string `json:"source"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "protocol": vault.ProtocolVersion})
}

func (h *httpHandler) handleFetchVault(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	snapshot, err := h.vaults.Fetch(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("failed to fetch vault", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	c.JSON(http.StatusOK, vaultResponsePayload{Revision: snapshot.Revision, Blob: snapshot.Blob})
}

func (h *httpHandler) handleUploadVault(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	var request uploadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.BaseRevision == nil || len(request.Blob) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.vaults.Upload(c.Request.Context(), owner, *request.BaseRevision, request.Blob)
	if err != nil {
		h.logger.Error("failed to store vault", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	if !outcome.Accepted {
		c.JSON(http.StatusConflict, uploadResponsePayload{Revision: outcome.Revision, Error: "outdated"})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		OwnerID:   owner.String(),
		EventType: RealtimeEventVaultChanged,
		Revision:  outcome.Revision,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, uploadResponsePayload{Revision: outcome.Revision})
}

func (h *httpHandler) handleVaultEvents(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, owner.String())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, vaultEventPayload{Revision: message.Revision, Source: realtimeSourceBackend})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, vaultEventPayload{Source: realtimeSourceBackend})
			return true
		}
	})
}

func (h *httpHandler) requireProtocol(c *gin.Context) {
	version := strings.TrimSpace(c.GetHeader(vault.ProtocolHeader))
	if version != vault.ProtocolVersion {
		c.AbortWithStatusJSON(http.StatusUpgradeRequired, gin.H{
			"error":     "incompatible_protocol",
			"supported": vault.ProtocolVersion,
		})
		return
	}
	c.Next()
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) ownerFromContext(c *gin.Context) (blobstore.OwnerID, bool) {
	owner, err := blobstore.NewOwnerID(c.GetString(ownerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return owner, true
}
