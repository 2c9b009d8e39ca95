package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pressfield/inkwell/backend/internal/access"
	"github.com/pressfield/inkwell/backend/internal/auth"
	"github.com/pressfield/inkwell/backend/internal/room"
	"go.uber.org/zap"
)

const authTimeout = 10 * time.Second

var (
	errMissingVerifier = errors.New("token verifier dependency required")
	errMissingResolver = errors.New("access resolver dependency required")
	errMissingRegistry = errors.New("room registry dependency required")
)

// TokenVerifier validates bearer credentials.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// AccessResolver resolves a user's grant on a document key.
type AccessResolver interface {
	Resolve(ctx context.Context, docKey, userID string) (access.Grant, error)
}

// Dependencies wires the gateway to its collaborators.
type Dependencies struct {
	Verifier TokenVerifier
	Resolver AccessResolver
	Rooms    *room.Registry
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gateway router: the sync websocket endpoint and
// a liveness probe independent of any room state.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Rooms == nil {
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
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.Verifier,
		resolver: deps.Resolver,
		rooms:    deps.Rooms,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/sync/:docKey", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	verifier TokenVerifier
	resolver AccessResolver
	rooms    *room.Registry
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.rooms.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"rooms":    stats.Rooms,
		"sessions": stats.Sessions,
	})
}

// handleSync authenticates and authorizes the connection before the
// websocket upgrade: a rejected connection receives zero document bytes.
func (h *httpHandler) handleSync(c *gin.Context) {
	docKey := c.Param("docKey")

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_credential"})
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), authTimeout)
	defer cancel()

	grant, err := h.resolver.Resolve(ctx, docKey, identity.UserID)
	if err != nil {
		switch {
		case errors.Is(err, access.ErrInvalidDocumentKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_key"})
		case errors.Is(err, access.ErrAccessDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		default:
			h.logger.Error("access resolution failed",
				zap.String("doc_key", docKey), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("doc_key", docKey), zap.Error(err))
		return
	}

	session := room.NewSession(identity.UserID, identity.DisplayName, grant)
	joined, err := h.rooms.Join(ctx, session)
	if err != nil {
		h.logger.Warn("room admission failed",
			zap.String("doc_key", docKey), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Info("session admitted",
		zap.String("doc_key", docKey),
		zap.String("user_id", identity.UserID),
		zap.String("session_id", session.ID),
		zap.Bool("can_edit", grant.CanEdit))

	serveSession(conn, joined, session, h.logger)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(c.Query("access_token"))
}
