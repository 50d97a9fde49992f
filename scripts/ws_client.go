// Package main runs a demo dashboard client: it seeds a small incident,
// forces a replan and prints what arrives on the WebSocket stream.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func post(base, path, body string) {
	resp, err := http.Post(base+path, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("POST %s -> %d", path, resp.StatusCode)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsEvent
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Data))
		}
	}()

	post(base, "/v1/responders", `{"responder_id":"demo-r1","lat":37.7749,"lon":-122.4194,"status":"idle","remaining_capacity":3}`)
	post(base, "/v1/detections", `{"victim_id":"demo-v1","lat":37.7790,"lon":-122.4170,"injury_level":"severe","survival_likelihood":0.7}`)
	post(base, "/v1/detections", `{"victim_id":"demo-v2","lat":37.7720,"lon":-122.4230,"injury_level":"unconscious","survival_likelihood":0.5}`)
	time.Sleep(300 * time.Millisecond)
	post(base, "/v1/replan", "")

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
