// Package api exposes the REST and WebSocket endpoints around the fleet
// core.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fleetcc/server/domain/repositories"
	"github.com/fleetcc/server/internal/auth"
	"github.com/fleetcc/server/internal/dispatch"
	"github.com/fleetcc/server/internal/fleet"
	"github.com/fleetcc/server/internal/persist"
	"github.com/fleetcc/server/internal/registry"
	"github.com/fleetcc/server/internal/websocket"
)

// Router holds the dependencies behind the HTTP handlers.
type Router struct {
	hub        *websocket.Hub
	store      *fleet.Store
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	sampler    *fleet.Sampler
	repo       repositories.FleetRepository // may be nil
	queue      *persist.Queue
	auth       *auth.Service

	// Provisioned device_id → secret credential set.
	credentials map[string]string

	logger *zap.Logger
}

// NewRouter creates the handler set. repo may be nil when the server
// runs without a durable store.
func NewRouter(
	hub *websocket.Hub,
	store *fleet.Store,
	dispatcher *dispatch.Dispatcher,
	reg *registry.Registry,
	sampler *fleet.Sampler,
	repo repositories.FleetRepository,
	queue *persist.Queue,
	authService *auth.Service,
	credentials map[string]string,
	logger *zap.Logger,
) *Router {
	return &Router{
		hub:         hub,
		store:       store,
		dispatcher:  dispatcher,
		registry:    reg,
		sampler:     sampler,
		repo:        repo,
		queue:       queue,
		auth:        authService,
		credentials: credentials,
		logger:      logger,
	}
}

// InitRoutes initializes all API routes
func (r *Router) InitRoutes(e *echo.Echo) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "fleetcc-server",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Device APIs
	v1.POST("/device/auth", r.deviceAuth)
	v1.GET("/devices", r.listDevices)
	v1.GET("/devices/:id", r.getDevice)
	v1.GET("/devices/:id/history", r.deviceHistory)
	v1.POST("/devices/:id/commands", r.postCommand)
	v1.DELETE("/devices/:id", r.revokeDevice)

	// WebSocket endpoint; devices present a JWT, observers may connect
	// anonymously.
	e.GET("/ws", r.serveWS)
}

// deviceAuth exchanges provisioned credentials for a device token.
func (r *Router) deviceAuth(c echo.Context) error {
	var req DeviceAuthRequest
	if err := c.Bind(&req); err != nil {
		r.logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.DeviceID == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Device id and secret key are required",
		})
	}

	secret, ok := r.credentials[req.DeviceID]
	if !ok || secret != req.SecretKey {
		r.logger.Warn("Device authentication failed",
			zap.String("device_id", req.DeviceID))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	token, expiresAt, err := r.auth.GenerateDeviceToken(req.DeviceID)
	if err != nil {
		r.logger.Error("Failed to generate device token",
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	r.logger.Info("Device authenticated successfully",
		zap.String("device_id", req.DeviceID))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  req.DeviceID,
	})
}

func (r *Router) listDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"devices": r.store.List(),
	})
}

func (r *Router) getDevice(c echo.Context) error {
	device, ok := r.store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Unknown device",
		})
	}
	return c.JSON(http.StatusOK, device)
}

// deviceHistory serves persisted telemetry samples for the last N hours
// (default 1).
func (r *Router) deviceHistory(c echo.Context) error {
	if r.repo == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "history_unavailable",
			Message: "No durable store configured",
		})
	}

	hours, err := strconv.Atoi(c.QueryParam("hours"))
	if err != nil || hours <= 0 {
		hours = 1
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	deviceID := c.Param("id")
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	samples, err := r.repo.TelemetryHistory(ctx, deviceID, since)
	if err != nil {
		r.logger.Error("Failed to query telemetry history",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "history_failed",
			Message: "Failed to query telemetry history",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"samples":   samples,
	})
}

// postCommand dispatches a command over REST; it shares the WebSocket
// dispatcher path.
func (r *Router) postCommand(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Type == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Command type is required",
		})
	}

	command, err := r.dispatcher.Dispatch(c.Param("id"), req.Type, req.Payload)
	if errors.Is(err, dispatch.ErrNoRoute) {
		// The failed record is returned so the caller can see the
		// command id and reason.
		return c.JSON(http.StatusConflict, command)
	}
	if err != nil {
		r.logger.Error("Failed to dispatch command", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatch_failed",
			Message: "Failed to dispatch command",
		})
	}

	return c.JSON(http.StatusAccepted, command)
}

// revokeDevice is the explicit management path that removes a device:
// its live session loses the binding, the record is deleted, and
// observers see a final offline event.
func (r *Router) revokeDevice(c echo.Context) error {
	deviceID := c.Param("id")

	if session, ok := r.registry.Resolve(deviceID); ok {
		r.registry.Unbind(session)
	}

	if !r.store.Revoke(deviceID) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Unknown device",
		})
	}
	r.sampler.Forget(deviceID)

	if r.repo != nil {
		r.queue.Enqueue("delete-device", func(ctx context.Context) error {
			return r.repo.DeleteDevice(ctx, deviceID)
		})
	}

	r.logger.Info("Device revoked", zap.String("device_id", deviceID))
	return c.NoContent(http.StatusNoContent)
}

// serveWS upgrades a connection. A presented JWT pins the connection to
// its device id; connections without a token join as anonymous peers
// and become observers with their first getDevices/sendCommand frame.
func (r *Router) serveWS(c echo.Context) error {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}
	if token == "" {
		token = c.QueryParam("token")
	}

	var authDeviceID string
	if token != "" {
		claims, err := r.auth.ValidateToken(token)
		if err != nil {
			r.logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired JWT token",
			})
		}
		if claims.Role != "device" || claims.DeviceID == "" {
			r.logger.Warn("WebSocket connection rejected: invalid claims",
				zap.String("role", claims.Role))
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "invalid_token_claims",
				Message: "Token is not a device token",
			})
		}
		authDeviceID = claims.DeviceID
	}

	return websocket.ServeWS(r.hub, c, authDeviceID, r.logger)
}
