package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"batchnav/internal/engine"
	"batchnav/internal/events"
)

// Live batch stream over WebSocket, framed like graphql-transport-ws:
// connection_init/connection_ack, subscribe/next/complete, ping/pong.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscribePayload narrows a subscription to some event types; empty
// means all.
type subscribePayload struct {
	Types []string `json:"types"`
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// gorilla connections allow one concurrent writer.
func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// wsHandler handles /v1/batches/{id}/ws
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	type sub struct {
		ch chan events.Event
	}
	subs := map[string]sub{}
	var wg sync.WaitGroup

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	acked := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			if acked {
				continue
			}
			acked = true
			_ = c.write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := c.write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = c.write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !acked {
				_ = c.write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"connection_init required"}`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup || msg.ID == "" {
				_ = c.write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"subscription id missing or in use"}`)})
				continue
			}
			var pl subscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					_ = c.write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"invalid payload"}`)})
					continue
				}
			}
			ch := s.Stream.Subscribe(e.ID())
			subs[msg.ID] = sub{ch: ch}

			// current state first, then live events
			view, _ := json.Marshal(map[string]any{"type": "snapshot", "data": e.View()})
			_ = c.write(wsMessage{Type: "next", ID: msg.ID, Payload: view})

			wg.Add(1)
			go func(id string, ch chan events.Event, types []string) {
				defer wg.Done()
				for evt := range ch {
					if !wanted(types, evt.Type) {
						continue
					}
					payload, _ := json.Marshal(evt)
					_ = c.write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				_ = c.write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, pl.Types)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Stream.Unsubscribe(e.ID(), s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	for id, s0 := range subs {
		s.Stream.Unsubscribe(e.ID(), s0.ch)
		delete(subs, id)
	}
	wg.Wait()
}

func wanted(types []string, t string) bool {
	if len(types) == 0 {
		return true
	}
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
