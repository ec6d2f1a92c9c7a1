package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tes-profile-go/internal/config"
	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/persist"
	"tes-profile-go/internal/runengine"
)

func newTestServer(t *testing.T) (*Server, *persist.Dict) {
	t.Helper()
	md, err := persist.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = md.Close() })
	cfg := config.Default()
	cfg.Port = 9999
	cfg.MinIOSecretKey = "hunter2"
	srv := New(Options{
		Config:   cfg,
		Metadata: md,
		StatusFn: func() map[string]any { return map[string]any{"state": "idle"} },
	})
	return srv, md
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleConfig(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 9999.0, payload["Port"])
	assert.Equal(t, "***", payload["MinIOSecretKey"])
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "idle", payload["state"])
	assert.Equal(t, 0.0, payload["ws_clients"])
}

func TestMetadataEndpoints(t *testing.T) {
	srv, md := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, "PUT", "/md/proposal", `{"proposal_id": "pass-1"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	value, err := md.Get("proposal")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"proposal_id": "pass-1"}, value)

	rec = do(t, h, "GET", "/md/proposal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"proposal_id": "pass-1"}`, rec.Body.String())

	rec = do(t, h, "GET", "/md", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pass-1")

	rec = do(t, h, "POST", "/md/flush", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, md.Dirty())

	rec = do(t, h, "DELETE", "/md/proposal", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "GET", "/md/proposal", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "PUT", "/md/x", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCountEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "POST", "/plans/count", `{"num": 2}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	var got CountRequest
	srv.opts.CountFn = func(_ context.Context, req CountRequest) (string, error) {
		got = req
		return "run-1", nil
	}
	rec = do(t, srv.Handler(), "POST", "/plans/count", `{"num": 2, "md": {"sample": "Cu"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"uid": "run-1"}`, rec.Body.String())
	assert.Equal(t, 2, got.Num)
	assert.Equal(t, "Cu", got.MD["sample"])

	rec = do(t, srv.Handler(), "POST", "/plans/count", `{"num": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv.opts.CountFn = func(context.Context, CountRequest) (string, error) {
		return "", runengine.ErrBusy
	}
	rec = do(t, srv.Handler(), "POST", "/plans/count", `{"num": 1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	srv.opts.CountFn = func(context.Context, CountRequest) (string, error) {
		return "run-2", errors.New("shutter closed")
	}
	rec = do(t, srv.Handler(), "POST", "/plans/count", `{"num": 1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-2")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebsocketBroadcastsDocuments(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broadcast(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "status", hello["type"])

	require.NoError(t, srv.Emit(ctx, docs.Envelope{Name: docs.NameStop, Doc: docs.Stop{RunStart: "abc", ExitStatus: "success"}}))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "document", msg["type"])
	assert.Equal(t, "stop", msg["name"])
	assert.Equal(t, "abc", msg["doc"].(map[string]any)["run_start"])
}
