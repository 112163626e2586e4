package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/metrics"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/notification"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey = "cloudnotify_owner_id"
	serviceContextKey = "cloudnotify_service"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRegistry       = errors.New("registry dependency required")
	errMissingDispatcher     = errors.New("dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// RegistrationStore is the registry surface exposed to device owners.
type RegistrationStore interface {
	Get(ctx context.Context, ownerID, deviceID, token string) (registry.Registration, bool)
	Upsert(ctx context.Context, ownerID string, record registry.Registration) (registry.Registration, error)
	Delete(ctx context.Context, ownerID, deviceID, token string) error
}

type Dispatcher interface {
	Dispatch(ownerIDs []string, base notification.Notification)
}

type Dependencies struct {
	Tokens     TokenValidator
	Registry   RegistrationStore
	Dispatcher Dispatcher
	Metrics    *metrics.Counters
	Logger     *zap.Logger
}

// NewHTTPHandler wires the registration, event and metrics routes behind bearer authentication.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counters := deps.Metrics
	if counters == nil {
		counters = metrics.New()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.Tokens,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		metrics:    counters,
		logger:     logger,
	}

	router.GET("/health", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/accounts/self/cloud-notifications", handler.handleRegister)
	protected.GET("/accounts/self/cloud-notifications", handler.handleListRegistrations)
	protected.GET("/accounts/self/devices/:device/tokens/:token", handler.handleGetRegistration)
	protected.DELETE("/accounts/self/devices/:device/tokens/:token", handler.handleDeleteRegistration)
	protected.POST("/events", handler.requireService, handler.handleSubmitEvent)
	protected.GET("/metrics", handler.handleMetrics)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     TokenValidator
	registry   RegistrationStore
	dispatcher Dispatcher
	metrics    *metrics.Counters
	logger     *zap.Logger
}

type registrationRequestPayload struct {
	DeviceID     string `json:"deviceId"`
	Token        string `json:"token"`
	Events       uint32 `json:"events"`
	ResponseMode string `json:"responseMode"`
}

type registrationResponsePayload struct {
	DeviceID     string `json:"deviceId"`
	Token        string `json:"token"`
	Events       uint32 `json:"events"`
	ResponseMode string `json:"responseMode"`
	RegisteredOn int64  `json:"registeredOn"`
}

func newRegistrationResponse(record registry.Registration) registrationResponsePayload {
	return registrationResponsePayload{
		DeviceID:     record.DeviceID,
		Token:        record.Token,
		Events:       uint32(record.Events),
		ResponseMode: string(record.ResponseMode),
		RegisteredOn: record.RegisteredAt.UnixMilli(),
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)

	var request registrationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_device_id"})
		return
	}
	if strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_token"})
		return
	}

	stored, err := h.registry.Upsert(c.Request.Context(), ownerID, registry.Registration{
		DeviceID:     strings.TrimSpace(request.DeviceID),
		Token:        strings.TrimSpace(request.Token),
		Events:       notification.EventKind(request.Events),
		ResponseMode: registry.ParseResponseMode(request.ResponseMode),
	})
	if err != nil {
		h.respondStoreError(c, "registration_failed", err)
		return
	}

	c.JSON(http.StatusOK, newRegistrationResponse(stored))
}

// handleListRegistrations refuses to enumerate tokens.
func (h *httpHandler) handleListRegistrations(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported"})
}

func (h *httpHandler) handleGetRegistration(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	record, ok := h.registry.Get(c.Request.Context(), ownerID, c.Param("device"), c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, newRegistrationResponse(record))
}

func (h *httpHandler) handleDeleteRegistration(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if err := h.registry.Delete(c.Request.Context(), ownerID, c.Param("device"), c.Param("token")); err != nil {
		h.respondStoreError(c, "delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSubmitEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	envelope, err := notification.DecodeEnvelope(raw)
	if err != nil {
		h.logger.Debug("event envelope rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": envelopeErrorCode(err)})
		return
	}
	base, err := envelope.Notification()
	if err != nil {
		h.logger.Error("notification build failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build_failed"})
		return
	}

	recipients := envelope.RecipientIDs()
	h.dispatcher.Dispatch(recipients, base)
	c.JSON(http.StatusAccepted, gin.H{"recipients": len(recipients)})
}

func (h *httpHandler) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func (h *httpHandler) respondStoreError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, registry.ErrInvalidOwnerID) || errors.Is(err, registry.ErrInvalidDeviceID) || errors.Is(err, registry.ErrInvalidToken) {
		status = http.StatusBadRequest
	}
	payload := gin.H{"error": fallback}
	var serviceErr *registry.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	c.JSON(status, payload)
}

func envelopeErrorCode(err error) string {
	if errors.Is(err, notification.ErrUnknownEventKind) {
		return "unknown_event"
	}
	return "invalid_envelope"
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
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, claims.OwnerID())
	c.Set(serviceContextKey, claims.IsService())
	c.Next()
}

// requireService admits only tokens minted for the host application.
func (h *httpHandler) requireService(c *gin.Context) {
	if !c.GetBool(serviceContextKey) {
		h.logger.Warn("event submission without service scope", zap.String("owner_id", c.GetString(ownerIDContextKey)))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}
