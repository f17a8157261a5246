package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/executor"
	"github.com/jonathan/investigator/internal/gateway"
	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/orchestrator"
	"github.com/jonathan/investigator/internal/server/middleware"
	"github.com/jonathan/investigator/internal/server/ratelimit"
	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/types"
	"github.com/jonathan/investigator/internal/worker"
)

type testServer struct {
	*Server
	mem     *store.Memory
	bc      *events.Broadcaster
	engine  *orchestrator.Engine
	handler http.Handler
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	mem := store.NewMemory()
	gw := &gateway.Fake{}
	bc := events.NewBroadcaster(64, nil)
	exec := executor.New(mem, gw, bc, executor.Config{RetryBase: time.Millisecond})
	engine := orchestrator.New(mem, gw, bc, worker.New(2, nil), exec, orchestrator.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		bc.Close()
	})

	s := New(Config{Addr: ":0"}, engine, mem, bc, opts...)
	return &testServer{Server: s, mem: mem, bc: bc, engine: engine, handler: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) create(t *testing.T, title string, headers ...string) types.Investigation {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/investigations", map[string]string{
		"title":         title,
		"initial_query": "Who runs " + title + "?",
	}, headers...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var inv types.Investigation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	return inv
}

func (ts *testServer) seedEntity(t *testing.T, investigationID uuid.UUID, name string) *types.Entity {
	t.Helper()
	var stored *types.Entity
	err := ts.mem.InTx(context.Background(), func(tx graph.Tx) error {
		var err error
		stored, _, err = tx.UpsertEntity(context.Background(), &types.Entity{
			InvestigationID: investigationID,
			Name:            name,
			EntityType:      types.EntityCompany,
			Confidence:      0.8,
		})
		return err
	})
	require.NoError(t, err)
	return stored
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "investigator_http_requests_total")
}

func TestCreateInvestigation(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	assert.NotEqual(t, uuid.Nil, inv.ID)
	assert.Equal(t, "Acme Corp", inv.Title)
	assert.Equal(t, types.StatusPending, inv.Status)

	stored, err := ts.mem.GetInvestigation(context.Background(), inv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCreateInvestigation_UsesCallerIdentity(t *testing.T) {
	ts := newTestServer(t)
	user := uuid.New()
	inv := ts.create(t, "Acme Corp", middleware.UserIDHeader, user.String())
	assert.Equal(t, user, inv.UserID)
}

func TestCreateInvestigation_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{ not json`},
		{"unknown field", `{"title":"x","initial_query":"y","colour":"red"}`},
		{"missing title", map[string]string{"initial_query": "who?"}},
		{"missing query", map[string]string{"title": "Acme"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/investigations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestGetInvestigation(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	w := ts.do(t, http.MethodGet, "/investigations/"+inv.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, inv.ID, decode[types.Investigation](t, w).ID)

	w = ts.do(t, http.MethodGet, "/investigations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/investigations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListInvestigations(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	first := ts.create(t, "First", middleware.UserIDHeader, alice.String())
	ts.create(t, "Second", middleware.UserIDHeader, bob.String())

	w := ts.do(t, http.MethodPost, "/investigations/"+first.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	type listResponse struct {
		Investigations []types.Investigation `json:"investigations"`
		Count          int                   `json:"count"`
	}

	all := decode[listResponse](t, ts.do(t, http.MethodGet, "/investigations", nil))
	assert.Equal(t, 2, all.Count)

	failed := decode[listResponse](t, ts.do(t, http.MethodGet, "/investigations?status=failed", nil))
	require.Equal(t, 1, failed.Count)
	assert.Equal(t, first.ID, failed.Investigations[0].ID)

	mine := decode[listResponse](t, ts.do(t, http.MethodGet, "/investigations", nil, middleware.UserIDHeader, bob.String()))
	require.Equal(t, 1, mine.Count)
	assert.Equal(t, "Second", mine.Investigations[0].Title)

	w = ts.do(t, http.MethodGet, "/investigations?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")
	base := "/investigations/" + inv.ID.String()

	// pending cannot be paused or resumed
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, base+"/pause", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, base+"/resume", nil).Code)

	w := ts.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[lifecycle.Snapshot](t, w)
	assert.Equal(t, types.StatusFailed, snap.Status)

	// terminal investigations cannot be restarted
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, base+"/start", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, base+"/cancel", nil).Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/investigations/"+uuid.NewString()+"/start", nil).Code)
}

func TestStartInvestigation(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	w := ts.do(t, http.MethodPost, "/investigations/"+inv.ID.String()+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode[lifecycle.Snapshot](t, w)
	assert.Equal(t, inv.ID, snap.InvestigationID)
	assert.NotEqual(t, types.StatusPending, snap.Status)
	assert.GreaterOrEqual(t, snap.ProgressPercentage, lifecycle.ProgressStarted)
}

func TestRedirect(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")
	path := "/investigations/" + inv.ID.String() + "/redirect"

	w := ts.do(t, http.MethodPost, path, map[string]string{"new_focus": "board members", "priority": "high"})
	assert.Equal(t, http.StatusConflict, w.Code, "pending investigations cannot be redirected")

	w = ts.do(t, http.MethodPost, path, map[string]string{"new_focus": "board members", "priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndFullState(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")
	ts.seedEntity(t, inv.ID, "Acme Corp")

	w := ts.do(t, http.MethodGet, "/investigations/"+inv.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusPending, decode[lifecycle.Snapshot](t, w).Status)

	w = ts.do(t, http.MethodGet, "/investigations/"+inv.ID.String()+"/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ev struct {
		Type events.Type `json:"type"`
		Data struct {
			Entities []types.Entity `json:"entities"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))
	assert.Equal(t, events.FullState, ev.Type)
	assert.Len(t, ev.Data.Entities, 1)
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")
	ts.seedEntity(t, inv.ID, "Acme Corp")
	ts.seedEntity(t, inv.ID, "Globex")
	base := "/investigations/" + inv.ID.String()

	graphResp := decode[GraphResponse](t, ts.do(t, http.MethodGet, base+"/graph", nil))
	assert.Len(t, graphResp.Entities, 2)
	assert.Empty(t, graphResp.Relationships)
	assert.Equal(t, 2, graphResp.Counts.Entities)

	w := ts.do(t, http.MethodGet, base+"/thoughts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"thoughts":[]}`, w.Body.String())

	w = ts.do(t, http.MethodGet, base+"/reports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reports":[]}`, w.Body.String())

	w = ts.do(t, http.MethodGet, base+"/subtasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subtasks":[]`)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, base+"/usage", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, base+"/plan", nil).Code)

	missing := "/investigations/" + uuid.NewString()
	for _, suffix := range []string{"/graph", "/thoughts", "/reports", "/subtasks", "/usage", "/plan", "/state", "/status"} {
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, missing+suffix, nil).Code, suffix)
	}
}

func TestMoveEntity(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")
	ent := ts.seedEntity(t, inv.ID, "Acme Corp")
	board := ts.bc.Subscribe(events.BoardTopic(inv.ID))
	defer board.Close()

	path := "/investigations/" + inv.ID.String() + "/entities/" + ent.ID.String() + "/position"
	w := ts.do(t, http.MethodPut, path, map[string]float64{"x": 120.5, "y": -40})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	moved := decode[types.Entity](t, w)
	require.NotNil(t, moved.Position)
	assert.Equal(t, 120.5, moved.Position.X)

	select {
	case ev := <-board.C():
		assert.Equal(t, events.EntityPositionUpdate, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no position event")
	}

	other := ts.create(t, "Globex")
	w = ts.do(t, http.MethodPut, "/investigations/"+other.ID.String()+"/entities/"+ent.ID.String()+"/position",
		map[string]float64{"x": 1, "y": 1})
	assert.Equal(t, http.StatusNotFound, w.Code, "entity belongs to another investigation")
}

func TestChangeLayout(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")
	path := "/investigations/" + inv.ID.String() + "/layout"

	w := ts.do(t, http.MethodPut, path, map[string]string{"layout": "circular"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPut, path, map[string]string{"layout": "spiral"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled: true,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/investigations", Method: "POST", Limit: 1, Window: time.Hour},
		},
	})
	defer limiter.Stop()
	ts := newTestServer(t, WithRateLimiter(limiter))

	ts.create(t, "First")
	w := ts.do(t, http.MethodPost, "/investigations", map[string]string{"title": "Second", "initial_query": "q"})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])

	// health is never limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
	}
}

// sseEvent is one parsed Server-Sent Event
type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/investigations/" + inv.ID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSE(t, reader)
	assert.Equal(t, string(events.FullState), first.name)

	require.NoError(t, ts.engine.ChangeLayout(context.Background(), inv.ID, types.ChangeLayoutRequest{Layout: "grid"}))
	next := readSSE(t, reader)
	assert.Equal(t, string(events.LayoutUpdate), next.name)
	assert.Contains(t, next.data, `"grid"`)
}

func TestEventStream_Errors(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	w := ts.do(t, http.MethodGet, "/investigations/"+uuid.NewString()+"/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/investigations/"+inv.ID.String()+"/events?topic=everything", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBoardSocket(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/board/" + inv.ID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello WSMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, msgConnectionEstablished, hello.Type)
	assert.Equal(t, events.BoardTopic(inv.ID), hello.Message)

	var full map[string]any
	require.NoError(t, conn.ReadJSON(&full))
	assert.Equal(t, string(events.FullState), full["type"])

	require.NoError(t, conn.WriteJSON(WSCommand{Type: cmdUpdateLayout, Layout: "hierarchical"}))

	// the layout event and the ack race; collect both
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg["type"].(string)] = true
	}
	assert.True(t, seen[string(events.LayoutUpdate)])
	assert.True(t, seen[msgAck])

	require.NoError(t, conn.WriteJSON(WSCommand{Type: "dance"}))
	var reply WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, msgError, reply.Type)
	assert.Contains(t, reply.Message, "unknown message type")
}

func TestInvestigationSocket_RejectsInvalidCommand(t *testing.T) {
	ts := newTestServer(t)
	inv := ts.create(t, "Acme Corp")

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/investigations/" + inv.ID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var skip map[string]any
	require.NoError(t, conn.ReadJSON(&skip)) // connection_established
	require.NoError(t, conn.ReadJSON(&skip)) // full_state

	require.NoError(t, conn.WriteJSON(WSCommand{Type: cmdPauseInvestigation}))
	var reply WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, msgError, reply.Type)
	assert.Equal(t, cmdPauseInvestigation, reply.Command)
}

func TestSocket_UnknownInvestigation(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/board/" + uuid.NewString()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
