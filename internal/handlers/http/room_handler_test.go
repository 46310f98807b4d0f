package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
	"coderoom/internal/infrastructure/monitoring"
	"coderoom/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCoordinator serves canned room stats; everything else is unused by the
// HTTP surface.
type stubCoordinator struct {
	stats map[domain.RoomID]*ports.RoomStats
}

var _ ports.Coordinator = (*stubCoordinator)(nil)

func (s *stubCoordinator) CreateRoom(context.Context, ports.Caller, protocol.CreateRoomRequest) protocol.CreateRoomAck {
	return protocol.CreateRoomAck{}
}

func (s *stubCoordinator) JoinRoom(context.Context, ports.Caller, protocol.JoinRoomRequest) protocol.JoinRoomAck {
	return protocol.JoinRoomAck{}
}

func (s *stubCoordinator) ValidateRoom(context.Context, protocol.ValidateRoomRequest) protocol.ValidateRoomAck {
	return protocol.ValidateRoomAck{}
}

func (s *stubCoordinator) ToggleRoomPermission(context.Context, ports.Caller, protocol.ToggleRoomPermissionRequest) protocol.ToggleRoomPermissionAck {
	return protocol.ToggleRoomPermissionAck{}
}

func (s *stubCoordinator) SetUserPermission(context.Context, ports.Caller, protocol.SetUserPermissionRequest) protocol.SetUserPermissionAck {
	return protocol.SetUserPermissionAck{}
}

func (s *stubCoordinator) RemoveUserPermission(context.Context, ports.Caller, protocol.RemoveUserPermissionRequest) protocol.RemoveUserPermissionAck {
	return protocol.RemoveUserPermissionAck{}
}

func (s *stubCoordinator) RequestStudentList(context.Context, ports.Caller, protocol.RequestStudentListRequest) {
}

func (s *stubCoordinator) RequestRoomState(context.Context, ports.Caller, protocol.RequestRoomStateRequest) protocol.RoomStateAck {
	return protocol.RoomStateAck{}
}

func (s *stubCoordinator) CodeChange(context.Context, ports.Caller, protocol.CodeChangeRequest) {}

func (s *stubCoordinator) LeaveRoom(context.Context, ports.Caller, domain.RoomID) {}

func (s *stubCoordinator) Disconnect(context.Context, ports.Caller, domain.RoomID) {}

func (s *stubCoordinator) RoomStats(ctx context.Context, roomID domain.RoomID) (*ports.RoomStats, error) {
	if stats, ok := s.stats[roomID]; ok {
		return stats, nil
	}
	return nil, domain.ErrRoomNotFound
}

func testRouter(coordinator ports.Coordinator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	health := monitoring.NewHealthChecker()
	health.AddCheck("rooms", func(ctx context.Context) (bool, error) { return true, nil }, time.Second)

	router := gin.New()
	NewRoomHandler(coordinator, health).SetupRoutes(router)
	return router
}

func TestGetRoom_Exists(t *testing.T) {
	router := testRouter(&stubCoordinator{stats: map[domain.RoomID]*ports.RoomStats{
		"room-1": {RoomID: "room-1", Participants: 2},
	}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/rooms/room-1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["exists"])
}

func TestGetRoom_NotFound(t *testing.T) {
	router := testRouter(&stubCoordinator{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/rooms/missing", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRoom_InvalidID(t *testing.T) {
	router := testRouter(&stubCoordinator{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/rooms/bad%20room", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRoomStats(t *testing.T) {
	router := testRouter(&stubCoordinator{stats: map[domain.RoomID]*ports.RoomStats{
		"room-1": {RoomID: "room-1", Participants: 3, TeacherID: "teacher-1"},
	}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/rooms/room-1/stats", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Stats ports.RoomStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Stats.Participants)
	assert.Equal(t, "teacher-1", body.Stats.TeacherID)
}

func TestHealthCheck(t *testing.T) {
	router := testRouter(&stubCoordinator{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status monitoring.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
}
