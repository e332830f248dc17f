/*
Package router fans execution events out to connected observers.

Each observer may subscribe to any number of executions. An event for an execution with at least one subscriber goes only to those subscribers. Every other event, including global events such as server_shutdown, goes to every connected observer so that someone able to react always sees it.

Delivery is best-effort: an observer whose Send fails is disconnected, and delivery to the remaining observers continues.
*/
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/shellui/event"
	"go.uber.org/zap"
)

// Observer is a connected client that receives encoded event frames.
// Send must not block on a slow peer.
type Observer interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
}

// closer is implemented by observers that hold a connection to tear down when they are dropped.
type closer interface {
	Close(ctx context.Context, reason string)
}

type Router struct {
	log            *zap.SugaredLogger
	queueSize      int
	writeTimeout   time.Duration
	originPatterns []string

	mut        sync.Mutex
	shutdown   bool
	serverPort int
	observers  map[string]Observer
	// subscribers maps execution ID -> observer ID -> observer
	subscribers map[string]map[string]Observer
	// memberships maps observer ID -> subscribed execution IDs
	memberships map[string]map[string]struct{}
}

type Option func(r *Router)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Router) {
		r.log = log.Named("router")
	}
}

// WithQueueSize sets how many frames may be buffered per WebSocket observer before it is considered too slow and dropped.
func WithQueueSize(n int) Option {
	return func(r *Router) {
		r.queueSize = n
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.writeTimeout = d
	}
}

// WithOriginPatterns allows cross-origin WebSocket connections from hosts matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(r *Router) {
		r.originPatterns = patterns
	}
}

func New(opts ...Option) *Router {
	r := &Router{
		log:          zap.NewNop().Sugar(),
		queueSize:    256,
		writeTimeout: 10 * time.Second,
		observers:    map[string]Observer{},
		subscribers:  map[string]map[string]Observer{},
		memberships:  map[string]map[string]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetServerPort sets the port reported to observers in their welcome frame.
func (r *Router) SetServerPort(port int) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.serverPort = port
}

func (r *Router) ServerPort() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.serverPort
}

// Connect registers o. It reports false, and does nothing, once the router has shut down.
func (r *Router) Connect(o Observer) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.shutdown {
		return false
	}
	r.observers[o.ID()] = o
	r.log.Debugf("observer %s connected", o.ID())
	return true
}

// Subscribe adds o to the audience of executionID. Subscribing twice is a no-op.
func (r *Router) Subscribe(o Observer, executionID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.shutdown {
		return
	}
	r.observers[o.ID()] = o

	subs, ok := r.subscribers[executionID]
	if !ok {
		subs = map[string]Observer{}
		r.subscribers[executionID] = subs
	}
	subs[o.ID()] = o

	m, ok := r.memberships[o.ID()]
	if !ok {
		m = map[string]struct{}{}
		r.memberships[o.ID()] = m
	}
	m[executionID] = struct{}{}
	r.log.Debugf("observer %s subscribed to %s", o.ID(), executionID)
}

// Unsubscribe removes o from the audience of executionID. Unsubscribing twice is a no-op.
func (r *Router) Unsubscribe(o Observer, executionID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.unsubscribe(o.ID(), executionID)
}

func (r *Router) unsubscribe(observerID, executionID string) {
	if subs, ok := r.subscribers[executionID]; ok {
		delete(subs, observerID)
		if len(subs) == 0 {
			delete(r.subscribers, executionID)
		}
	}
	if m, ok := r.memberships[observerID]; ok {
		delete(m, executionID)
		if len(m) == 0 {
			delete(r.memberships, observerID)
		}
	}
}

// Disconnect removes o and every subscription it holds.
func (r *Router) Disconnect(o Observer) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.disconnect(o.ID())
}

func (r *Router) disconnect(observerID string) {
	if _, ok := r.observers[observerID]; !ok {
		return
	}
	for executionID := range r.memberships[observerID] {
		r.unsubscribe(observerID, executionID)
	}
	delete(r.observers, observerID)
	r.log.Debugf("observer %s disconnected", observerID)
}

// Count returns the number of connected observers.
func (r *Router) Count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.observers)
}

// Subscribers returns the number of observers subscribed to executionID.
func (r *Router) Subscribers(executionID string) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.subscribers[executionID])
}

func (r *Router) audience(executionID string) []Observer {
	r.mut.Lock()
	defer r.mut.Unlock()
	src := r.observers
	if subs := r.subscribers[executionID]; executionID != "" && len(subs) > 0 {
		src = subs
	}
	targets := make([]Observer, 0, len(src))
	for _, o := range src {
		targets = append(targets, o)
	}
	return targets
}

// Publish delivers e to its audience and returns the number of successful deliveries.
func (r *Router) Publish(ctx context.Context, e event.Event) int {
	frame, err := json.Marshal(e)
	if err != nil {
		r.log.Errorf("marshaling %s event: %s", e.Type(), err)
		return 0
	}

	var failed []Observer
	delivered := 0
	for _, o := range r.audience(e.ExecutionID()) {
		if err := o.Send(ctx, frame); err != nil {
			r.log.Debugf("delivering %s to observer %s: %s", e.Type(), o.ID(), err)
			failed = append(failed, o)
			continue
		}
		delivered++
	}

	for _, o := range failed {
		r.drop(o)
	}
	return delivered
}

// SendTo delivers e to a single observer, dropping it on failure.
func (r *Router) SendTo(ctx context.Context, o Observer, e event.Event) error {
	frame, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", e.Type(), err)
	}
	if err := o.Send(ctx, frame); err != nil {
		r.drop(o)
		return fmt.Errorf("sending %s to observer %s: %w", e.Type(), o.ID(), err)
	}
	return nil
}

func (r *Router) drop(o Observer) {
	r.Disconnect(o)
	if c, ok := o.(closer); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			defer cancel()
			c.Close(ctx, "delivery failed")
		}()
	}
}

// Shutdown broadcasts a server_shutdown event and then closes every observer,
// waiting until their queued frames are flushed or ctx is done.
func (r *Router) Shutdown(ctx context.Context, message string) {
	n := r.Publish(ctx, event.ServerShutdown{Message: message})
	r.log.Infow("notified observers of shutdown", "Observers", n)

	r.mut.Lock()
	r.shutdown = true
	observers := make([]Observer, 0, len(r.observers))
	for id, o := range r.observers {
		observers = append(observers, o)
		r.disconnect(id)
	}
	r.mut.Unlock()

	var wg sync.WaitGroup
	for _, o := range observers {
		c, ok := o.(closer)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(ctx, "server shutting down")
		}()
	}
	wg.Wait()
}
