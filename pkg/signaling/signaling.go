// Package signaling exposes the websocket endpoint a browser client uses to
// negotiate its WebRTC transport: an offer/answer exchange plus trickled
// ICE candidates, framed as small JSON messages.
package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nsbridge/vwbridge/pkg/transport"
)

// DefaultSTUNServer is the ICE server the bridge advertises to browser
// peers for their own candidate gathering.
const DefaultSTUNServer = "stun:stun3.l.google.com:19302"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// message is the envelope every signaling frame uses.
type message struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Handler upgrades incoming requests to websockets and drives the offer/
// answer/candidate exchange for each one.
type Handler struct {
	Logger  zerolog.Logger
	Factory *transport.Factory

	// OnReady is called once a connection's transport finishes
	// negotiating all required data channels. r is the original upgrade
	// request, so the callback can read query parameters such as the
	// target place name.
	OnReady func(r *http.Request, conn *websocket.Conn, pc transport.PeerConnection, channels map[string]transport.DataChannel)
}

func NewHandler(log zerolog.Logger, factory *transport.Factory) *Handler {
	return &Handler{Logger: log, Factory: factory}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("signaling: upgrade failed")
		return
	}
	defer conn.Close()

	pc, err := h.Factory.New()
	if err != nil {
		h.Logger.Error().Err(err).Msg("signaling: create peer connection failed")
		return
	}
	defer pc.Close()

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	send := func(m message) {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		if err := conn.WriteJSON(m); err != nil {
			h.Logger.Debug().Err(err).Msg("signaling: write failed")
		}
	}

	pc.OnICECandidate(func(candidate string) {
		if candidate == "" {
			return
		}
		send(message{Type: "candidate", Candidate: candidate})
	})

	if h.OnReady != nil {
		pc.OnReady(func(channels map[string]transport.DataChannel) {
			h.OnReady(r, conn, pc, channels)
		})
	}

	send(message{Type: "connected"})

	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		switch m.Type {
		case "offer":
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			answerSDP, err := pc.CreateAnswer(ctx, m.SDP)
			cancel()
			if err != nil {
				h.Logger.Warn().Err(err).Msg("signaling: create answer failed")
				return
			}
			send(message{Type: "answer", SDP: answerSDP})
		case "candidate":
			if err := pc.AddICECandidate(m.Candidate); err != nil {
				h.Logger.Debug().Err(err).Msg("signaling: add ice candidate failed")
			}
		default:
			h.Logger.Debug().Str("type", m.Type).Msg("signaling: ignoring unknown message type")
		}
	}
}

// marshal/unmarshal exist only for tests exercising the wire
// envelope without a live websocket.
func marshal(m message) ([]byte, error)   { return json.Marshal(m) }
func unmarshal(b []byte) (message, error) { var m message; err := json.Unmarshal(b, &m); return m, err }
