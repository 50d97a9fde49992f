package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var heartbeatEvery = 15 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// PlanStreamHandler handles GET /v1/plan/stream (SSE). The current plan is
// sent first, then every committed plan as it happens.
func (s *Server) PlanStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(TopicPlans)
	defer s.Broker.Unsubscribe(TopicPlans, ch)

	writeSSE(w, "heartbeat", map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
	if p := s.Store.CurrentPlan(); p != nil {
		writeSSE(w, "plan.committed", p)
	}
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt.Type, evt.Data)
			flusher.Flush()
		case <-time.After(heartbeatEvery):
			writeSSE(w, "heartbeat", map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// WSHandler handles GET /v1/ws. It streams plan and entity events as JSON
// messages until the client goes away.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	plans := s.Broker.Subscribe(TopicPlans)
	defer s.Broker.Unsubscribe(TopicPlans, plans)
	events := s.Broker.Subscribe(TopicEvents)
	defer s.Broker.Unsubscribe(TopicEvents, events)

	// reader: detect close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(evt SSEEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			s.Log.Debug("ws write failed", zap.Error(err))
			return false
		}
		return true
	}
	if p := s.Store.CurrentPlan(); p != nil {
		if !send(SSEEvent{Type: "plan.committed", Data: p}) {
			return
		}
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-plans:
			if !ok || !send(evt) {
				return
			}
		case evt, ok := <-events:
			if !ok || !send(evt) {
				return
			}
		case <-time.After(heartbeatEvery):
			if !send(SSEEvent{Type: "heartbeat", Data: map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)}}) {
				return
			}
		}
	}
}
