package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cargoproc/internal/app"
	"github.com/dshills/cargoproc/internal/config"
	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/runner"
	"github.com/dshills/cargoproc/internal/surface"
)

func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakecargo")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestServer(t *testing.T, executable string) (*app.Application, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Executable = executable
	a, err := app.NewWithConfig(cfg, app.Options{Dir: t.TempDir(), Logger: logging.NullLogger})
	require.NoError(t, err)

	srv := New(a, WithLogger(logging.NullLogger))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		_ = a.Shutdown(2 * time.Second)
	})
	return a, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitTask(t *testing.T, a *app.Application, task string) runner.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Runner().Wait(ctx, task)
	require.NoError(t, err)
	return res
}

func TestServer_RunAndSurface(t *testing.T) {
	a, ts := newTestServer(t, fakeTool(t, "echo \"args: $*\"\necho 'warning: unused'\n"))

	resp := post(t, ts.URL+"/api/run/search", `{"term":"serde","extra":["--limit","5"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "Search", run.Task)
	assert.Equal(t, []string{"search", "serde", "--limit", "5"}, run.Argv[1:])
	assert.False(t, run.Hidden)

	waitTask(t, a, "Search")

	get, err := http.Get(ts.URL + "/api/surface/Search")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var snap surface.Snapshot
	require.NoError(t, json.NewDecoder(get.Body).Decode(&snap))
	assert.Contains(t, snap.Content, "args: search serde --limit 5")
	assert.Equal(t, "finished", snap.Label)
	assert.False(t, snap.Writable)
	assert.True(t, snap.Visible)
	require.Len(t, snap.Annotations, 1)

	tasks, err := http.Get(ts.URL + "/api/tasks")
	require.NoError(t, err)
	defer tasks.Body.Close()
	var statuses []runner.Status
	require.NoError(t, json.NewDecoder(tasks.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "Search", statuses[0].Name)
	assert.Equal(t, runner.StateFinished, statuses[0].State)
}

func TestServer_RunErrors(t *testing.T) {
	_, ts := newTestServer(t, filepath.Join(t.TempDir(), "missing"))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown action", "/api/run/publish", "", http.StatusNotFound},
		{"new without name", "/api/run/new", "", http.StatusBadRequest},
		{"search without term", "/api/run/search", "{}", http.StatusBadRequest},
		{"malformed body", "/api/run/build", "{", http.StatusBadRequest},
		{"bad visibility", "/api/run/build", `{"visibility":"sometimes"}`, http.StatusBadRequest},
		{"spawn failure", "/api/run/build", "", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)

			var e ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestServer_StopAndMissingSurface(t *testing.T) {
	a, ts := newTestServer(t, fakeTool(t, "sleep 30\n"))

	resp := post(t, ts.URL+"/api/stop/Build", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	get, err := http.Get(ts.URL + "/api/surface/Build")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)

	resp = post(t, ts.URL+"/api/run/build", `{"visibility":"hide"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, ts.URL+"/api/stop/Build", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	res := waitTask(t, a, "Build")
	assert.Equal(t, "killed by signal terminated", res.Label)
	assert.False(t, a.Surfaces().Surface("Build").Visible())
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) []Message {
	t.Helper()
	var seen []Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}

func TestServer_WebSocket(t *testing.T) {
	a, ts := newTestServer(t, fakeTool(t, "echo \"run $1\"\n"))

	resp := post(t, ts.URL+"/api/run/test", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitTask(t, a, "Test")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUntil(t, conn, func(m Message) bool { return m.Type == MessageSnapshot })
	snap := first[len(first)-1].Surface
	require.NotNil(t, snap)
	assert.Equal(t, "Test", snap.Name)
	assert.Equal(t, "run test\n", snap.Content)

	resp = post(t, ts.URL+"/api/run/test", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msgs := readUntil(t, conn, func(m Message) bool {
		return m.Type == MessageTask && m.Name == event.TaskFinished
	})

	var kinds []string
	var text bytes.Buffer
	for _, m := range msgs {
		if m.Type == MessageSurface && m.Event.Surface == "Test" && m.Event.Generation > snap.Generation {
			kinds = append(kinds, m.Event.Kind.String())
			text.WriteString(m.Event.Text)
		}
	}
	assert.Contains(t, kinds, "reset")
	assert.Contains(t, kinds, "append")
	assert.Contains(t, kinds, "finalize")
	assert.Equal(t, "run test\n", text.String())

	last := msgs[len(msgs)-1]
	assert.Equal(t, "Test finished.", last.Data["message"])
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	a, err := app.NewWithConfig(config.Default(), app.Options{Dir: t.TempDir(), Logger: logging.NullLogger})
	require.NoError(t, err)
	defer a.Shutdown(time.Second)

	srv := New(a, WithLogger(logging.NullLogger))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	a.Surfaces().Surface("Doc")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readUntil(t, conn, func(m Message) bool { return m.Type == MessageSnapshot })
	assert.Equal(t, 1, srv.hub.count())

	srv.Close()
	assert.Equal(t, 0, srv.hub.count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestParseVisibility(t *testing.T) {
	tests := map[string]app.Visibility{
		"":        app.VisibilityDefault,
		"default": app.VisibilityDefault,
		"show":    app.VisibilityShow,
		"hide":    app.VisibilityHide,
		"hidden":  app.VisibilityHide,
	}
	for in, want := range tests {
		got, err := parseVisibility(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseVisibility("loud")
	assert.Error(t, err)
}
