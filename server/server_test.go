package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/shellui/command"
	"github.com/guseggert/shellui/event"
	"github.com/guseggert/shellui/ledger"
	"github.com/guseggert/shellui/process"
	"github.com/guseggert/shellui/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

const testConfig = `
title: Test UI
commands:
  - id: echo-hello
    title: Echo Hello
    shell: /bin/sh
    command: echo "Hello from ShellUI!"
    help_command: echo "prints a greeting"
  - id: greet
    title: Greet
    shell: /bin/sh
    command: echo {{name}}
    args:
      - name: name
        type: text
        label: Name
        required: true
  - id: slow
    title: Slow
    shell: /bin/sh
    command: sleep 10
  - id: internal
    title: Internal
    command: "true"
    hidden: true
`

type testEnv struct {
	server *Server
	ledger *ledger.Ledger
	router *router.Router
	http   *httptest.Server
}

func newTestServer(t *testing.T, ledgerOpts ...ledger.Option) *testEnv {
	cfg, err := command.ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	sugar := log.Sugar()
	l := ledger.New(append([]ledger.Option{ledger.WithLogger(sugar)}, ledgerOpts...)...)
	r := router.New(router.WithLogger(sugar))
	coord := process.New(l, r,
		process.WithLogger(sugar),
		process.WithCompleteDelay(10*time.Millisecond),
		process.WithKillGrace(time.Second),
	)
	s := New(command.NewStaticCatalog(cfg), l, r, coord, WithLogger(log), WithListenAddr("127.0.0.1:0"))
	env := &testEnv{server: s, ledger: l, router: r}
	env.http = httptest.NewServer(s.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) waitFinished(t *testing.T, id string) ledger.Record {
	t.Helper()
	var rec ledger.Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = e.ledger.Get(id)
		return ok && rec.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return rec
}

func TestHealthAndConfig(t *testing.T) {
	env := newTestServer(t)

	var health HealthResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)

	var cfg ConfigResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/config", nil, &cfg))
	assert.Equal(t, "Test UI", cfg.Title)
	var ids []string
	for _, c := range cfg.Commands {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"echo-hello", "greet", "slow"}, ids)
}

func TestExecute(t *testing.T) {
	env := newTestServer(t)

	var resp ExecuteResponse
	status := env.do(t, http.MethodPost, "/api/commands/echo-hello/execute", ExecuteRequest{}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "started", resp.Status)
	require.NotEmpty(t, resp.ExecutionID)

	rec := env.waitFinished(t, resp.ExecutionID)
	assert.Equal(t, ledger.StatusSuccess, rec.Status)
	assert.Equal(t, "Hello from ShellUI!\n", rec.Output)

	var got ledger.Record
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/executions/"+resp.ExecutionID, nil, &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "Hello from ShellUI!\n", got.Output)

	var list []ledger.Record
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/executions?limit=5", nil, &list))
	assert.Len(t, list, 1)

	var byCommand []ledger.Record
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/commands/echo-hello/executions", nil, &byCommand))
	assert.Len(t, byCommand, 1)
}

func TestExecuteErrors(t *testing.T) {
	env := newTestServer(t)

	cases := []struct {
		name      string
		path      string
		body      any
		expStatus int
		expErrors []string
	}{
		{name: "unknown command", path: "/api/commands/nope/execute", body: ExecuteRequest{}, expStatus: http.StatusNotFound},
		{name: "missing required arg", path: "/api/commands/greet/execute", body: ExecuteRequest{}, expStatus: http.StatusBadRequest, expErrors: []string{"Name is required"}},
		{name: "malformed body", path: "/api/commands/greet/execute", body: "not an object", expStatus: http.StatusBadRequest},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var resp errorResponse
			assert.Equal(t, c.expStatus, env.do(t, http.MethodPost, c.path, c.body, &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, c.expErrors, resp.Errors)
		})
	}
	assert.Equal(t, 0, env.ledger.Len())
}

func TestExecuteWithArgs(t *testing.T) {
	env := newTestServer(t)

	var resp ExecuteResponse
	body := ExecuteRequest{Args: map[string]any{"name": "hello world"}}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/commands/greet/execute", body, &resp))

	rec := env.waitFinished(t, resp.ExecutionID)
	assert.Equal(t, "echo 'hello world'", rec.Command)
	assert.Equal(t, "hello world\n", rec.Output)
}

func TestStopExecution(t *testing.T) {
	env := newTestServer(t)

	var resp ExecuteResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/commands/slow/execute", nil, &resp))

	var stop StopResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/executions/"+resp.ExecutionID+"/stop", nil, &stop))
	assert.True(t, stop.Success)

	rec, ok := env.ledger.Get(resp.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusError, rec.Status)
	assert.Equal(t, process.ExitCodeStopped, *rec.ExitCode)

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/executions/"+resp.ExecutionID+"/stop", nil, &errResp))
}

func TestHistoryAndStats(t *testing.T) {
	env := newTestServer(t)

	var resp ExecuteResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/commands/echo-hello/execute", nil, &resp))
	env.waitFinished(t, resp.ExecutionID)

	var history []HistoryItem
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/history", nil, &history))
	require.Len(t, history, 1)
	assert.Equal(t, resp.ExecutionID, history[0].ID)
	assert.Equal(t, "success", history[0].Status)
	assert.Equal(t, `echo "Hello from ShellUI!"`, history[0].Command)

	var stats StatsResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/stats", nil, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 100, stats.SuccessRate)
	assert.Equal(t, map[string]int{"echo-hello": 1}, stats.ByCommand)

	var del DeleteResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/history/"+resp.ExecutionID, nil, &del))
	assert.True(t, del.Success)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/history/"+resp.ExecutionID, nil, &errorResponse{}))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/executions/"+resp.ExecutionID, nil, &errorResponse{}))
}

func TestHelpAndValidate(t *testing.T) {
	env := newTestServer(t)

	var help process.HelpResult
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/commands/echo-hello/help", nil, &help))
	assert.True(t, help.Available)
	assert.Equal(t, "prints a greeting\n", help.HelpOutput)

	var valid ValidateResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/commands/greet/validate?name=bob", nil, &valid))
	assert.True(t, valid.Valid)

	var invalid ValidateResponse
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/commands/greet/validate", nil, &invalid))
	assert.False(t, invalid.Valid)
	assert.Equal(t, []string{"Name is required"}, invalid.Errors)
}

func TestWebSocketStreaming(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env := newTestServer(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var welcome event.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))
	assert.Equal(t, event.TypeWelcome, welcome.Type)

	var status WSStatusResponse
	env.do(t, http.MethodGet, "/ws/status", nil, &status)
	assert.Equal(t, 1, status.ConnectedClients)

	// with no subscribers, events for the execution fall back to every observer
	var resp ExecuteResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/commands/echo-hello/execute", nil, &resp))

	var frames []event.Frame
	for {
		var f event.Frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		frames = append(frames, f)
		if f.Type == event.TypeComplete {
			break
		}
	}
	require.Len(t, frames, 3)
	assert.Equal(t, event.TypeStarted, frames[0].Type)
	assert.Equal(t, event.TypeOutput, frames[1].Type)
	assert.Equal(t, "Hello from ShellUI!\n", frames[1].Data)
	assert.Equal(t, "success", frames[2].Status)
	for _, f := range frames {
		assert.Equal(t, resp.ExecutionID, f.ExecutionID)
	}
}

func TestRunShutdownFlushesLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.json")
	store := ledger.NewFileStore(path)

	cfg, err := command.ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	l := ledger.New(ledger.WithStore(store), ledger.WithPersistInterval(time.Hour))
	r := router.New()
	coord := process.New(l, r, process.WithKillGrace(time.Second))
	s := New(command.NewStaticCatalog(cfg), l, r, coord, WithListenAddr("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wsCancel()
	addr, err := s.Addr(wsCtx)
	require.NoError(t, err)
	base := "http://" + addr.String()

	conn, _, err := websocket.Dial(wsCtx, "ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	var welcome event.Frame
	require.NoError(t, wsjson.Read(wsCtx, conn, &welcome))
	assert.Equal(t, addr.(*net.TCPAddr).Port, welcome.ServerPort)

	resp, err := http.Post(base+"/api/commands/slow/execute", "application/json", nil)
	require.NoError(t, err)
	var exec ExecuteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exec))
	resp.Body.Close()

	require.NoError(t, wsjson.Write(wsCtx, conn, map[string]string{"type": "subscribe", "executionId": exec.ExecutionID}))
	require.Eventually(t, func() bool { return r.Subscribers(exec.ExecutionID) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()

	// the stopped execution's complete event arrives before the shutdown notice
	var frames []event.Frame
	for {
		var f event.Frame
		require.NoError(t, wsjson.Read(wsCtx, conn, &f))
		frames = append(frames, f)
		if f.Type == event.TypeServerShutdown {
			break
		}
	}
	var complete *event.Frame
	for i := range frames {
		if frames[i].Type == event.TypeComplete {
			complete = &frames[i]
		}
	}
	require.NotNil(t, complete, "no complete event before shutdown: %+v", frames)
	assert.Equal(t, exec.ExecutionID, complete.ExecutionID)
	assert.Equal(t, process.ExitCodeStopped, complete.ExitCode)
	assert.Equal(t, shutdownMessage, frames[len(frames)-1].Message)

	_, _, err = conn.Read(wsCtx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	records, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, exec.ExecutionID, records[0].ID)
	assert.Equal(t, ledger.StatusError, records[0].Status)
	assert.Equal(t, process.ExitCodeStopped, *records[0].ExitCode)
}
