package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/guseggert/shellui/event"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// ErrServerShutdown is returned by a Watcher when the server announces it is stopping.
var ErrServerShutdown = errors.New("server is shutting down")

// Watcher is a connection to the server's observer WebSocket.
type Watcher struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	clientID string

	closeConnOnce sync.Once
}

// Watch connects to the observer WebSocket and waits for the server's welcome.
func (c *Client) Watch(ctx context.Context) (*Watcher, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(readLimit)

	w := &Watcher{log: c.Logger.Named("watcher"), conn: conn}
	f, err := w.Next(ctx)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if f.Type != event.TypeWelcome {
		w.Close()
		return nil, fmt.Errorf("expected welcome, got %q", f.Type)
	}
	w.clientID = f.ClientID
	return w, nil
}

// ClientID is the ID the server assigned to this connection.
func (w *Watcher) ClientID() string { return w.clientID }

func (w *Watcher) send(ctx context.Context, r event.Request) error {
	b, err := event.EncodeRequest(r)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, b)
}

// Subscribe asks the server to target events for executionID at this connection.
// The acknowledgment arrives through Next.
func (w *Watcher) Subscribe(ctx context.Context, executionID string) error {
	return w.send(ctx, event.Subscribe{ExecutionID: executionID})
}

func (w *Watcher) Unsubscribe(ctx context.Context, executionID string) error {
	return w.send(ctx, event.Unsubscribe{ExecutionID: executionID})
}

func (w *Watcher) Ping(ctx context.Context) error {
	return w.send(ctx, event.Ping{})
}

// Next reads the next frame. A server_shutdown frame is returned along with ErrServerShutdown.
func (w *Watcher) Next(ctx context.Context) (event.Frame, error) {
	var f event.Frame
	err := wsjson.Read(ctx, w.conn, &f)
	if status := websocket.CloseStatus(err); status != -1 {
		return f, fmt.Errorf("conn closed with status %s: %w", status, io.EOF)
	}
	if err != nil {
		return f, err
	}
	if f.Type == event.TypeServerShutdown {
		return f, fmt.Errorf("%s: %w", f.Message, ErrServerShutdown)
	}
	return f, nil
}

func (w *Watcher) Close() error {
	var err error
	w.closeConnOnce.Do(func() {
		err = w.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// Follow reads frames for executionID, writing its output to stdout and its error output
// to stderr, until its complete frame arrives, which is returned.
func (w *Watcher) Follow(ctx context.Context, executionID string, stdout, stderr io.Writer) (event.Frame, error) {
	for {
		f, err := w.Next(ctx)
		if err != nil {
			return f, err
		}
		if f.ExecutionID != executionID {
			continue
		}
		switch f.Type {
		case event.TypeOutput:
			if _, err := io.WriteString(stdout, f.Data); err != nil {
				return f, fmt.Errorf("writing stdout: %w", err)
			}
		case event.TypeError:
			if _, err := io.WriteString(stderr, f.Data); err != nil {
				return f, fmt.Errorf("writing stderr: %w", err)
			}
		case event.TypeComplete:
			return f, nil
		}
	}
}

// Run executes a command and streams its output until it completes, returning the complete frame.
// The observer connection is established before the command starts so that no output is missed.
func (c *Client) Run(ctx context.Context, commandID string, args map[string]any, stdout, stderr io.Writer) (event.Frame, error) {
	w, err := c.Watch(ctx)
	if err != nil {
		return event.Frame{}, err
	}
	defer w.Close()

	executionID, err := c.Execute(ctx, commandID, args)
	if err != nil {
		return event.Frame{}, err
	}
	if err := w.Subscribe(ctx, executionID); err != nil {
		return event.Frame{}, fmt.Errorf("subscribing to %s: %w", executionID, err)
	}
	return w.Follow(ctx, executionID, stdout, stderr)
}
