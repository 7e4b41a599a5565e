package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mythosmud/server/internal/auth"
	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/realtime"
	"github.com/mythosmud/server/internal/world"
)

const testSecret = "test-secret"

func signToken(t *testing.T, playerID, name string, admin bool) string {
	t.Helper()
	claims := auth.PlayerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PlayerID: playerID,
		Name:     name,
		IsAdmin:  admin,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestRouter(t *testing.T) (*chi.Mux, *connection.Manager, *world.Roster) {
	t.Helper()

	cfg := &config.Config{
		Port:        0,
		CORSOrigins: []string{"*"},
		JWT:         config.JWTConfig{Secret: testSecret},
		Connection: config.ConnectionConfig{
			MaxConnectionsPerPlayer: 4,
			ConnectionTimeout:       time.Hour,
			StaleIdleThreshold:      time.Hour,
			MaxConnectionAge:        time.Hour,
			LoginGracePeriod:        10 * time.Millisecond,
			DisconnectGracePeriod:   20 * time.Millisecond,
			CleanupInterval:         time.Hour,
			OutboundQueueSize:       64,
			WriteTimeout:            time.Second,
		},
		Chat: config.ChatConfig{SayPerMinute: 600, GlobalPerMinute: 600, WhisperPerMinute: 600},
	}

	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	bus := eventbus.New(config.EventBusConfig{
		Backend:          "gochannel",
		QueueSize:        128,
		HandlerTimeout:   time.Second,
		HighPriorityWait: 50 * time.Millisecond,
	}, ch, ch)
	t.Cleanup(bus.Stop)

	catalog, err := world.NewCatalog(bus)
	require.NoError(t, err)
	roster := world.NewRoster()
	moves := movement.NewService(catalog, roster, nil)
	mgr := connection.NewManager(cfg.Connection, bus, catalog, moves)

	svc := realtime.NewService(realtime.Deps{
		Bus:     bus,
		Pub:     bus,
		Cast:    mgr,
		Catalog: catalog,
		Roster:  roster,
		Moves:   moves,
		Limiter: realtime.NewChatLimiter(cfg.Chat),
	})
	require.NoError(t, svc.Start())
	require.NoError(t, bus.Start(context.Background()))

	validator := auth.NewValidator(testSecret)
	rt := NewRealTimeHandlerFx(mgr, svc, validator, cfg)
	health := NewHealthHandler(nil, mgr, bus, nil, nil)
	return NewRouter(cfg, validator, rt, health), mgr, roster
}

func TestHealthEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     string                     `json:"status"`
		Components map[string]componentHealth `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, statusHealthy, body.Status)
	assert.Equal(t, statusHealthy, body.Components["connection_manager"].Status)
	assert.Equal(t, "not configured", body.Components["broker"].Detail)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCommandEndpointAuth(t *testing.T) {
	router, _, _ := newTestRouter(t)

	// No token.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"type":"ping"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"type":"ping"}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCommandEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)
	token := signToken(t, "alice", "Alice", false)

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(`{"type":"ping"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pong", body["result"].(map[string]any)["type"])

	rec = do(`{"type":"dance"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Not spawned yet: say is rejected.
	rec = do(`{"type":"say","message":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Admin-only command from a non-admin token.
	rec = do(`{"type":"admin_broadcast","message":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(`not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitoringRequiresAdmin(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/connection-health", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice", "Alice", false))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/monitoring/connection-health", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin", "Armitage", true))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var report connection.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.Connections)
}

func TestWebSocketEndpointRejections(t *testing.T) {
	router, _, _ := newTestRouter(t)
	token := signToken(t, "alice", "Alice", false)

	// Missing token.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/alice?session_id=s1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token for a different player.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/bob?session_id=s1&token="+token, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Missing session id.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/alice?token="+token, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEEndpointRejections(t *testing.T) {
	router, _, _ := newTestRouter(t)
	token := signToken(t, "alice", "Alice", false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse/alice", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse/alice?token="+token, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "session_id is required")
}

type fakeLocations struct {
	counts  map[string]int
	deleted []string
	err     error
}

func (f *fakeLocations) CountByRoom(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func (f *fakeLocations) DeleteLocation(ctx context.Context, playerID string) error {
	f.deleted = append(f.deleted, playerID)
	return f.err
}

func TestLocationEndpoints(t *testing.T) {
	locs := &fakeLocations{counts: map[string]int{"earth_arkham_northside_derby_high": 2}}
	health := NewHealthHandler(nil, nil, nil, nil, locs)

	r := chi.NewRouter()
	r.Get("/monitoring/locations", health.Locations)
	r.Delete("/monitoring/locations/{playerID}", health.ForgetLocation)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitoring/locations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Locations map[string]int `json:"locations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Locations["earth_arkham_northside_derby_high"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/monitoring/locations/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alice"}, locs.deleted)
}

func TestLocationEndpointsWithoutPersistence(t *testing.T) {
	health := NewHealthHandler(nil, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	health.Locations(rec, httptest.NewRequest(http.MethodGet, "/monitoring/locations", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")

	rec = httptest.NewRecorder()
	health.ForgetLocation(rec, httptest.NewRequest(http.MethodDelete, "/monitoring/locations/alice", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
