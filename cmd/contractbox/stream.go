package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/caffeineduck/contractbox/executor"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFrame is one server-to-client websocket frame. Type is "message",
// "stdout", "error" or "result"; a result frame is the last one sent.
type streamFrame struct {
	Type   string           `json:"type"`
	Data   json.RawMessage  `json:"data,omitempty"`
	Line   string           `json:"line,omitempty"`
	Error  string           `json:"error,omitempty"`
	Result *executeResponse `json:"result,omitempty"`
}

const streamWriteWait = 10 * time.Second

// stream attaches a websocket to a long-lived contract. Every text frame the
// client sends must be JSON and is posted to the contract; everything the
// contract emits is forwarded until it finishes.
func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, ok := s.contracts.get(id)
	if !ok {
		http.Error(w, "contract not found", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("contract", id), zap.Error(err))
		return
	}
	defer conn.Close()

	errs := make(chan string, 16)
	gone := make(chan struct{})
	go s.streamInbound(conn, sc, errs, gone)

	for {
		messages, stdout := sc.drain()
		for _, line := range stdout {
			if err := writeFrame(conn, streamFrame{Type: "stdout", Line: line}); err != nil {
				return
			}
		}
		for _, msg := range messages {
			if err := writeFrame(conn, streamFrame{Type: "message", Data: msg}); err != nil {
				return
			}
		}

		select {
		case <-sc.notify:
		case e := <-errs:
			if err := writeFrame(conn, streamFrame{Type: "error", Error: e}); err != nil {
				return
			}
		case <-sc.contract.Done():
			messages, stdout := sc.drain()
			for _, line := range stdout {
				writeFrame(conn, streamFrame{Type: "stdout", Line: line})
			}
			for _, msg := range messages {
				writeFrame(conn, streamFrame{Type: "message", Data: msg})
			}
			result := newResponse(sc.contract.Wait())
			writeFrame(conn, streamFrame{Type: "result", Result: &result})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "contract finished"),
				time.Now().Add(streamWriteWait))
			return
		case <-gone:
			return
		}
	}
}

// streamInbound posts client frames to the contract until the connection
// closes.
func (s *server) streamInbound(conn *websocket.Conn, sc *serverContract, errs chan<- string, gone chan<- struct{}) {
	defer close(gone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read", zap.String("contract", sc.contract.ID()), zap.Error(err))
			}
			return
		}
		var report string
		switch {
		case !json.Valid(data):
			report = "invalid json"
		default:
			if err := sc.contract.PostMessage(json.RawMessage(data)); err != nil {
				if !errors.Is(err, executor.ErrContractFinished) {
					report = err.Error()
				}
			}
		}
		if report != "" {
			select {
			case errs <- report:
			default:
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f streamFrame) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(f)
}
