package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsReadTimeout = 120 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage is a client message on /tts/ws. Type is "say" or "ping".
type wsMessage struct {
	Type string `json:"type"`
	ttsRequest
}

// wsResponse is a text frame sent to the client. Audio travels in binary
// frames between a "say" and its "done".
type wsResponse struct {
	Type    string `json:"type"` // "done", "error", "pong"
	Request string `json:"request,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleWS streams synthesis over a websocket. Requests on one connection
// are served one after another.
func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	log := h.log.With(slog.String("remote", conn.RemoteAddr().String()))
	log.Debug("websocket connected")

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", slog.String("error", err.Error()))
			} else {
				log.Debug("websocket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch msg.Type {
		case "ping":
			if err := conn.WriteJSON(wsResponse{Type: "pong"}); err != nil {
				return
			}
		case "say", "":
			if err := h.wsSay(r.Context(), conn, msg.ttsRequest, log); err != nil {
				log.Info("websocket write failed", slog.String("error", err.Error()))
				return
			}
		default:
			if err := conn.WriteJSON(wsResponse{
				Type: "error", Status: http.StatusBadRequest, Message: "unknown message type: " + msg.Type,
			}); err != nil {
				return
			}
		}
	}
}

// wsSay serves one request. Only connection errors are returned; request
// errors are reported to the client.
func (h *handler) wsSay(ctx context.Context, conn *websocket.Conn, req ttsRequest, log *slog.Logger) error {
	reject := func(status int, err error) error {
		return conn.WriteJSON(wsResponse{Type: "error", Status: status, Message: errorMessage(err)})
	}

	sayOpts, status, err := h.sayOptions(&req)
	if err != nil {
		return reject(status, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.requestTimeout)
	defer cancel()

	st, err := h.synth.Say(ctx, req.Text, sayOpts...)
	if err != nil {
		log.Warn("synthesis rejected", slog.String("error", err.Error()))
		return reject(statusFor(err), err)
	}
	defer st.Close()

	written := 0
	for {
		chunk, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("stream ended early", slog.String("request", st.ID()), slog.String("error", err.Error()))
			return reject(statusFor(err), err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		written += len(chunk)
	}

	log.Info("synthesis complete",
		slog.String("request", st.ID()),
		slog.String("voice", req.Voice),
		slog.Int("text_len", len(req.Text)),
		slog.Int("bytes", written))

	return conn.WriteJSON(wsResponse{Type: "done", Request: st.ID(), Bytes: written})
}
