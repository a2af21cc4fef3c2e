// Package events implements the player's tagged-variant event stream: a
// typed sum of player events with per-variant listener registration, plus
// an optional websocket fan-out for out-of-process listeners.
package events

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Kind enumerates the event variants.
type Kind string

const (
	KindError               Kind = "error"
	KindBuffering           Kind = "buffering"
	KindLoading             Kind = "loading"
	KindUnloading           Kind = "unloading"
	KindTracksChanged       Kind = "trackschanged"
	KindAdaptation          Kind = "adaptation"
	KindTextTrackVisibility Kind = "texttrackvisibility"
	KindTimelineRegionAdded Kind = "timelineregionadded"
	KindExpirationUpdated   Kind = "expirationupdated"
)

// Event is the tagged-variant envelope; Data's concrete type depends on
// Kind (documented alongside each Kind constant's payload type below).
type Event struct {
	Kind Kind `json:"kind"`
	Data any  `json:"data,omitempty"`
}

// ErrorData is Event.Data's shape for KindError.
type ErrorData struct {
	Severity string         `json:"severity"`
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Detail   string         `json:"detail,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// BufferingData is Event.Data's shape for KindBuffering.
type BufferingData struct {
	Buffering bool `json:"buffering"`
}

// AdaptationData is Event.Data's shape for KindAdaptation.
type AdaptationData struct {
	VariantID string `json:"variantId"`
	Bandwidth int    `json:"bandwidth"`
}

// Listener receives events synchronously on the goroutine that calls
// Emit; listeners that do non-trivial work should hand off to their own
// goroutine.
type Listener func(Event)

// Bus is the in-process event stream plus an optional websocket fan-out.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	wildcard  []Listener

	hubMu   sync.Mutex
	clients map[*websocket.Conn]chan Event
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Kind][]Listener),
		clients:   make(map[*websocket.Conn]chan Event),
	}
}

// On registers a listener for one event kind.
func (b *Bus) On(kind Kind, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], l)
}

// OnAny registers a listener for every event kind.
func (b *Bus) OnAny(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, l)
}

// Emit dispatches an event to in-process listeners and every connected
// websocket client.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	kindListeners := append([]Listener(nil), b.listeners[e.Kind]...)
	wildcard := append([]Listener(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, l := range kindListeners {
		l(e)
	}
	for _, l := range wildcard {
		l(e)
	}

	b.broadcast(e)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a websocket connection and streams
// every subsequent event to it until the connection closes or ctx is
// done.
func (b *Bus) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	b.hubMu.Lock()
	b.clients[conn] = ch
	b.hubMu.Unlock()
	defer func() {
		b.hubMu.Lock()
		delete(b.clients, conn)
		b.hubMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(e); err != nil {
				return err
			}
		}
	}
}

func (b *Bus) broadcast(e Event) {
	b.hubMu.Lock()
	defer b.hubMu.Unlock()
	for conn, ch := range b.clients {
		select {
		case ch <- e:
		default:
			// Slow client: drop rather than block the emitting goroutine.
			delete(b.clients, conn)
			close(ch)
		}
	}
}
