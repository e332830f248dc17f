package client

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guseggert/shellui/command"
	"github.com/guseggert/shellui/event"
	"github.com/guseggert/shellui/ledger"
	"github.com/guseggert/shellui/process"
	"github.com/guseggert/shellui/router"
	"github.com/guseggert/shellui/server"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
commands:
  - id: echo-hello
    title: Echo Hello
    shell: /bin/sh
    command: echo "Hello from ShellUI!"
  - id: mixed
    title: Mixed
    shell: /bin/sh
    command: echo out; echo err >&2; exit {{code}}
    args:
      - name: code
        type: number
        required: true
        min: 0
        max: 255
  - id: slow
    title: Slow
    shell: /bin/sh
    command: sleep 10
  - id: broken
    title: Broken
    shell: /nonexistent/shell
    command: "true"
`

func newTestClient(t *testing.T) *Client {
	cfg, err := command.ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	l := ledger.New()
	r := router.New()
	coord := process.New(l, r, process.WithCompleteDelay(10*time.Millisecond), process.WithKillGrace(time.Second))
	s := server.New(command.NewStaticCatalog(cfg), l, r, coord)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithWaitInterval(10*time.Millisecond), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 1
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	complete, err := c.Run(ctx, "echo-hello", nil, stdout, stderr)
	require.NoError(t, err)
	assert.Equal(t, "success", complete.Status)
	assert.Equal(t, 0, complete.ExitCode)
	assert.Equal(t, "Hello from ShellUI!\n", stdout.String())
	assert.Empty(t, stderr.String())

	rec, err := c.GetExecution(ctx, complete.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, rec.Status)
}

func TestRunStreamsBothStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	complete, err := c.Run(ctx, "mixed", map[string]any{"code": 7}, stdout, stderr)
	require.NoError(t, err)
	assert.Equal(t, "error", complete.Status)
	assert.Equal(t, 7, complete.ExitCode)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestExecuteErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t)

	_, err := c.Execute(ctx, "mixed", map[string]any{"code": 300})
	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, 400, respErr.StatusCode)
	assert.Equal(t, []string{"code must be at most 255"}, respErr.Errors)

	_, err = c.Execute(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Execute(ctx, "broken", nil)
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, 500, respErr.StatusCode)
	require.NotEmpty(t, respErr.ExecutionID)

	rec, err := c.GetExecution(ctx, respErr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusError, rec.Status)
	assert.Equal(t, process.ExitCodeSpawnFailure, *rec.ExitCode)

	recs, err := c.ListExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStopAndHistory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t)

	w, err := c.Watch(ctx)
	require.NoError(t, err)
	defer w.Close()
	assert.NotEmpty(t, w.ClientID())

	id, err := c.Execute(ctx, "slow", nil)
	require.NoError(t, err)
	require.NoError(t, w.Subscribe(ctx, id))

	require.NoError(t, c.Stop(ctx, id))
	assert.ErrorIs(t, c.Stop(ctx, id), ErrNotFound)

	complete, err := w.Follow(ctx, id, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, process.ExitCodeStopped, complete.ExitCode)

	history, err := c.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Observers)

	require.NoError(t, c.DeleteHistory(ctx, id))
	assert.ErrorIs(t, c.DeleteHistory(ctx, id), ErrNotFound)
	_, err = c.GetExecution(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatcherPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t)

	w, err := c.Watch(ctx)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Ping(ctx))
	f, err := w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.TypePong, f.Type)

	require.NoError(t, w.Subscribe(ctx, "e1"))
	f, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.TypeSubscribed, f.Type)
	assert.Equal(t, "e1", f.ExecutionID)
}
