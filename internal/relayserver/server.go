// Package relayserver is the Relay Host's HTTP/websocket front door: it
// upgrades incoming connections to the relay channel protocol and
// spawns one internal/relaymanager.Manager per channel to own that
// channel's real sockets.
package relayserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vaagnavanesyan/tunec/internal/frame"
	"github.com/vaagnavanesyan/tunec/internal/logging"
	"github.com/vaagnavanesyan/tunec/internal/relaymanager"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server is the Relay Host's HTTP server. The zero value is not
// usable; use New.
type Server struct {
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// New constructs a Server. log may be nil.
func New(log *logging.Logger) *Server {
	if log == nil {
		log = logging.New(false)
	}
	return &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler serving the relay channel at path
// and a health check at /health.
func (s *Server) Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleChannel)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("relayserver: upgrade failed: %v", err)
		return
	}

	c := newChannel(conn, s.log)
	c.serve()
}

// channel owns one accepted relay connection: a websocket plus the
// relaymanager.Manager fielding its Connect/Data/Disconnect/
// ShutdownWrite requests and emitting frames back.
type channel struct {
	conn    *websocket.Conn
	log     *logging.Logger
	manager *relaymanager.Manager

	sendCh chan []byte
	done   chan struct{}
}

func newChannel(conn *websocket.Conn, log *logging.Logger) *channel {
	c := &channel{
		conn:   conn,
		log:    log,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	c.manager = relaymanager.New(c, log)
	return c
}

func (c *channel) serve() {
	defer c.conn.Close()
	defer c.manager.Shutdown()
	defer close(c.done)

	go c.writePump()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Verbosef("relayserver: read failed: %v", err)
			return
		}

		req, err := frame.DecodeRequest(msg)
		if err != nil {
			c.log.Warnf("relayserver: malformed frame: %v, dropping", err)
			continue
		}

		switch req.Type {
		case frame.ReqConnect:
			c.manager.Connect(req.ID, req.DestIP, req.DestPort)
		case frame.ReqData:
			c.manager.Data(req.ID, req.Payload)
		case frame.ReqDisconnect:
			c.manager.Disconnect(req.ID)
		case frame.ReqShutdownWrite:
			c.manager.ShutdownWrite(req.ID)
		}
	}
}

func (c *channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.log.Verbosef("relayserver: write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *channel) enqueue(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		c.log.Warnf("relayserver: send channel full, dropping frame")
	}
}

// EmitConnected implements relaymanager.Emitter.
func (c *channel) EmitConnected(id string) {
	c.enqueue(frame.EncodeResponse(frame.NewConnected(id)))
}

// EmitData implements relaymanager.Emitter.
func (c *channel) EmitData(id string, payload []byte) {
	c.enqueue(frame.EncodeResponse(frame.NewDataResponse(id, payload)))
}

// EmitDisconnected implements relaymanager.Emitter.
func (c *channel) EmitDisconnected(id string) {
	c.enqueue(frame.EncodeResponse(frame.NewDisconnected(id)))
}

// EmitError implements relaymanager.Emitter.
func (c *channel) EmitError(id, message string) {
	c.enqueue(frame.EncodeResponse(frame.NewError(id, message)))
}
