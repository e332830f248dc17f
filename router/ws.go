package router

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellui/event"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

var (
	errObserverClosed = errors.New("observer closed")
	errQueueFull      = errors.New("observer outbound queue full")
)

// wsObserver is an Observer backed by a WebSocket connection.
// Frames are queued by Send and written by a single writer goroutine.
type wsObserver struct {
	id           string
	log          *zap.SugaredLogger
	conn         *websocket.Conn
	writeTimeout time.Duration

	ctx    context.Context
	cancel func()

	mut    sync.Mutex
	closed bool
	queue  chan []byte
	done   chan struct{}

	closeConnOnce sync.Once
}

func newWSObserver(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, queueSize int, writeTimeout time.Duration) *wsObserver {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	o := &wsObserver{
		id:           id,
		log:          log.Named("observer").With("ObserverID", id),
		conn:         conn,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
	go o.writeFrames()
	return o
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(ctx context.Context, frame []byte) error {
	o.mut.Lock()
	defer o.mut.Unlock()
	if o.closed {
		return errObserverClosed
	}
	select {
	case o.queue <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (o *wsObserver) writeFrames() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case b, ok := <-o.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(o.ctx, o.writeTimeout)
			err := o.conn.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				o.log.Debugf("error writing frame: %s", err)
				o.cancel()
				return
			}
		}
	}
}

// Close stops accepting frames, waits for queued frames to be written or ctx to be done,
// and then closes the connection.
func (o *wsObserver) Close(ctx context.Context, reason string) {
	o.closeWithStatus(ctx, websocket.StatusGoingAway, reason)
}

func (o *wsObserver) closeWithStatus(ctx context.Context, code websocket.StatusCode, reason string) {
	o.mut.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mut.Unlock()

	select {
	case <-o.done:
	case <-ctx.Done():
		// stops the writer, queued frames are abandoned
		o.cancel()
		<-o.done
	}

	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	// the close handshake needs the reader alive, so o.ctx is cancelled only afterwards
	o.closeConnOnce.Do(func() {
		err := o.conn.Close(code, reason)
		if err != nil {
			o.log.Debugf("error closing conn: %s", err)
		}
	})
	o.cancel()
}

// ServeHTTP accepts an observer WebSocket connection and serves it until it closes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  r.originPatterns,
	})
	if err != nil {
		r.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)

	o := newWSObserver(req.Context(), r.log, conn, r.queueSize, r.writeTimeout)
	closeCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), r.writeTimeout)
	}
	if !r.Connect(o) {
		ctx, cancel := closeCtx()
		defer cancel()
		o.closeWithStatus(ctx, websocket.StatusGoingAway, "server is shutting down")
		return
	}
	r.log.Debugw("accepted observer", "ObserverID", o.ID(), "RemoteAddr", req.RemoteAddr)

	defer func() {
		r.Disconnect(o)
		ctx, cancel := closeCtx()
		defer cancel()
		o.closeWithStatus(ctx, websocket.StatusNormalClosure, "")
	}()

	if err := r.SendTo(o.ctx, o, event.Welcome{ClientID: o.ID(), ServerPort: r.ServerPort()}); err != nil {
		r.log.Debugf("error sending welcome: %s", err)
		return
	}
	r.readRequests(o)
}

func (r *Router) readRequests(o *wsObserver) {
	for {
		_, b, err := o.conn.Read(o.ctx)
		if status := websocket.CloseStatus(err); status != -1 {
			o.log.Debugf("observer closed conn with status %s", status)
			return
		}
		if err != nil {
			o.log.Debugf("error reading request: %s", err)
			return
		}

		request, err := event.DecodeRequest(b)
		if err != nil {
			o.log.Debugf("rejecting request: %s", err)
			err = r.SendTo(o.ctx, o, event.Error{Data: "invalid message format"})
		} else {
			err = r.handleRequest(o, request)
		}
		if err != nil {
			o.log.Debugf("error answering request: %s", err)
			return
		}
	}
}

func (r *Router) handleRequest(o *wsObserver, request event.Request) error {
	switch req := request.(type) {
	case event.Subscribe:
		r.Subscribe(o, req.ExecutionID)
		return r.SendTo(o.ctx, o, event.Subscribed{Execution: req.ExecutionID})
	case event.Unsubscribe:
		r.Unsubscribe(o, req.ExecutionID)
		return r.SendTo(o.ctx, o, event.Unsubscribed{Execution: req.ExecutionID})
	case event.Ping:
		return r.SendTo(o.ctx, o, event.NewPong(time.Now()))
	default:
		return r.SendTo(o.ctx, o, event.Error{Data: "invalid message format"})
	}
}
