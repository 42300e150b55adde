package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/webtestflow/cdp-orchestrator/internal/coordinator"
)

// CORS is already handled by the gin middleware chain, so the websocket
// handshake accepts any origin.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub multicasts coordinator.LifecycleEvent to every websocket
// subscriber watching a given run id (GET /api/v1/runs/{run_id}/events).
type eventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan coordinator.LifecycleEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]map[chan coordinator.LifecycleEvent]struct{})}
}

func (h *eventHub) subscribe(runID string) chan coordinator.LifecycleEvent {
	ch := make(chan coordinator.LifecycleEvent, 32)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan coordinator.LifecycleEvent]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(runID string, ch chan coordinator.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[runID], ch)
	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}
}

func (h *eventHub) broadcast(runID string, ev coordinator.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[runID] {
		select {
		case ch <- ev:
		default:
			// slow subscriber; drop rather than block the run.
		}
	}
}

// handleRunEvents streams run:start/run:step/run:complete events for one
// run id over a websocket, closing once run:complete is delivered.
func (s *Server) handleRunEvents(c *gin.Context) {
	runID := c.Param("run_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe(runID)
	defer s.hub.unsubscribe(runID, ch)

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Kind == coordinator.LifecycleComplete {
			return
		}
	}
}
