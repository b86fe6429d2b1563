package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/agent"
	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/hub"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/replay"
	"github.com/triagebackend/consult/services/repository"
	"github.com/triagebackend/consult/services/vectorstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func noopAgentFactory(_ context.Context, roomName string, publish agent.PublishFunc) *agent.RoomAgent {
	client := llm.NewLocalClient(8)
	store := vectorstore.NewStore(nil, client)
	dag, err := graph.BuildAnalysisGraph(client, store)
	if err != nil {
		panic(err)
	}
	executor, err := graph.NewExecutor(dag, nil)
	if err != nil {
		panic(err)
	}
	return agent.NewRoomAgent(roomName, executor, publish, nil, 16)
}

func TestHealthCheckReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestListRoomsReflectsHubState(t *testing.T) {
	h := hub.New(noopAgentFactory, nil)
	_, _, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/rooms", ListRooms(h))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/rooms", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var rooms []hub.RoomSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "room-a", rooms[0].Room)
	assert.Equal(t, 1, rooms[0].PeerCount)
}

func TestTurnCredentialsEmptyWhenUnconfigured(t *testing.T) {
	router := gin.New()
	router.GET("/v1/turn-credentials", TurnCredentials(TURNConfig{}))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/turn-credentials", nil)
	router.ServeHTTP(w, req)

	var body struct {
		ICEServers []ICEServer `json:"ice_servers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.ICEServers)
}

func TestTurnCredentialsIncludesConfiguredServer(t *testing.T) {
	cfg := TURNConfig{URL: "turn:relay.example.com:3478", Username: "u", Credential: "c"}
	router := gin.New()
	router.GET("/v1/turn-credentials", TurnCredentials(cfg))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/turn-credentials", nil)
	router.ServeHTTP(w, req)

	var body struct {
		ICEServers []ICEServer `json:"ice_servers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.ICEServers, 1)
	assert.Equal(t, []string{cfg.URL}, body.ICEServers[0].URLs)
	assert.Equal(t, "u", body.ICEServers[0].Username)
}

func TestListSessionsAndDeleteSession(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.SaveTurn(context.Background(), "room-a", datatypes.TranscriptTurn{TurnID: "t1"}))

	router := gin.New()
	router.GET("/v1/sessions", ListSessions(repo, nil))
	router.DELETE("/v1/sessions/:sessionId", DeleteSession(repo, nil))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sessions", nil)
	router.ServeHTTP(w, req)

	var listBody struct {
		Sessions []repository.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listBody))
	require.Len(t, listBody.Sessions, 1)
	assert.Equal(t, "room-a", listBody.Sessions[0].SessionID)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("DELETE", "/v1/sessions/room-a", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	sessions, err := repo.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestReplaySessionsRunsEachRequestedSession(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.SaveTurn(context.Background(), "room-a", datatypes.TranscriptTurn{
		TurnID: "t1", Role: datatypes.RoleCustomer, Text: "hi", Timestamp: time.Now(),
	}))

	client := llm.NewLocalClient(8)
	store := vectorstore.NewStore(nil, client)
	dag, err := graph.BuildAnalysisGraph(client, store)
	require.NoError(t, err)
	replayer := replay.NewReplayer(dag, nil, 2)

	router := gin.New()
	router.POST("/v1/sessions/replay", ReplaySessions(replayer, repo, nil))

	body, err := json.Marshal(map[string]any{"session_ids": []string{"room-a"}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions/replay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []replay.SessionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "room-a", resp.Results[0].SessionID)
}

func TestReplaySessionsRejectsEmptyBody(t *testing.T) {
	router := gin.New()
	router.POST("/v1/sessions/replay", ReplaySessions(nil, repository.NewMemoryRepository(), nil))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions/replay", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
