package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fleetcc/server/adapters"
	"github.com/fleetcc/server/domain/entities"
	"github.com/fleetcc/server/internal/auth"
	"github.com/fleetcc/server/internal/dispatch"
	"github.com/fleetcc/server/internal/fleet"
	"github.com/fleetcc/server/internal/persist"
	"github.com/fleetcc/server/internal/protocol"
	"github.com/fleetcc/server/internal/registry"
	"github.com/fleetcc/server/internal/websocket"
)

func setupTestRouter(t *testing.T) (*Router, *echo.Echo, *adapters.MemoryFleetRepository) {
	t.Helper()
	logger := zap.NewNop()

	repo := adapters.NewMemoryFleetRepository()
	queue := persist.NewQueue(64, logger)
	t.Cleanup(queue.Close)

	reg := registry.New()
	sampler := fleet.NewSampler(fleet.DefaultSampleWindow)
	hub := websocket.NewHub(reg, sampler, repo, queue, 256, logger)
	store := fleet.NewStore(hub, logger)
	dispatcher := dispatch.NewDispatcher(reg, repo, queue, hub, logger)
	hub.Bind(store, dispatcher)
	go hub.Run()

	authService, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	router := NewRouter(hub, store, dispatcher, reg, sampler, repo, queue, authService,
		map[string]string{"r1": "rover-secret"}, logger)

	e := echo.New()
	router.InitRoutes(e)
	return router, e, repo
}

func TestHealth(t *testing.T) {
	_, e, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestDeviceAuth(t *testing.T) {
	router, e, _ := setupTestRouter(t)

	// Wrong secret is rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/auth",
		strings.NewReader(`{"device_id":"r1","secret_key":"wrong"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status: %d", rec.Code)
	}

	// Provisioned credentials yield a validating token.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/device/auth",
		strings.NewReader(`{"device_id":"r1","secret_key":"rover-secret"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("auth status: %d body: %s", rec.Code, rec.Body.String())
	}

	var resp DeviceAuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding auth response: %v", err)
	}
	claims, err := router.auth.ValidateToken(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.DeviceID != "r1" {
		t.Errorf("token device id: %s", claims.DeviceID)
	}
}

func TestGetUnknownDevice(t *testing.T) {
	_, e, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/ghost", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestPostCommandNoRoute(t *testing.T) {
	_, e, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/ghost/commands",
		strings.NewReader(`{"type":"stop"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status: %d", rec.Code)
	}
	var command entities.Command
	if err := json.Unmarshal(rec.Body.Bytes(), &command); err != nil {
		t.Fatalf("decoding command: %v", err)
	}
	if command.Status != entities.CommandStatusFailed {
		t.Errorf("command status: %s", command.Status)
	}
}

func TestDeviceHistory(t *testing.T) {
	_, e, repo := setupTestRouter(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		err := repo.InsertTelemetrySample(context.Background(), &entities.TelemetrySample{
			DeviceID:  "r1",
			Battery:   float64(90 - i),
			Timestamp: now.Add(-time.Duration(2-i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seeding samples: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/r1/history?hours=2", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var payload struct {
		DeviceID string                      `json:"device_id"`
		Samples  []*entities.TelemetrySample `json:"samples"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(payload.Samples) != 3 {
		t.Errorf("samples: got %d, want 3", len(payload.Samples))
	}
}

// waitForDevice polls the store until the device reaches the wanted
// status.
func waitForDevice(t *testing.T, router *Router, deviceID string, status entities.DeviceStatus) *entities.Device {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if device, ok := router.store.Get(deviceID); ok && device.Status == status {
			return device
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("device %s never reached status %s", deviceID, status)
	return nil
}

func TestWebSocketDeviceSession(t *testing.T) {
	router, e, _ := setupTestRouter(t)
	server := httptest.NewServer(e)
	defer server.Close()

	token, _, err := router.auth.GenerateDeviceToken("r1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	ws, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	register := `{"type":"register","data":{"device_id":"r1","name":"rover-one","device_type":"rover","latitude":34.05,"longitude":-118.24}}`
	if err := ws.WriteMessage(gorilla.TextMessage, []byte(register)); err != nil {
		t.Fatalf("write register: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read confirmation: %v", err)
	}
	envelope, err := protocol.DecodeEnvelope(frame)
	if err != nil || envelope.Type != protocol.MessageTypeRegistered {
		t.Fatalf("confirmation: %s (%v)", frame, err)
	}

	device := waitForDevice(t, router, "r1", entities.DeviceStatusOnline)
	if device.Name != "rover-one" {
		t.Errorf("device name: %q", device.Name)
	}

	// REST list shows the registered device.
	resp, err := http.Get(server.URL + "/api/v1/devices")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var list struct {
		Devices []*entities.Device `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Devices) != 1 || list.Devices[0].ID != "r1" {
		t.Errorf("device list: %+v", list.Devices)
	}

	// Closing the socket takes the device offline.
	ws.Close()
	waitForDevice(t, router, "r1", entities.DeviceStatusOffline)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	_, e, _ := setupTestRouter(t)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	if _, _, err := gorilla.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("connection with a garbage token succeeded")
	}
}

func TestRevokeDevice(t *testing.T) {
	router, e, _ := setupTestRouter(t)

	// Seed a device directly through the store.
	router.store.Upsert("r1", entities.DeviceUpdate{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/devices/r1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status: %d", rec.Code)
	}

	if _, ok := router.store.Get("r1"); ok {
		t.Error("revoked device still present")
	}

	// Revoking again is a 404.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/devices/r1", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second revoke status: %d", rec.Code)
	}
}
