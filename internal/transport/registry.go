package transport

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendQueueCapacity = 256

var errMissingHandler = errors.New("transport: registry has no bound handler")

// Send pairs an already-encoded control frame with its destination socket.
type Send struct {
	SocketID string
	Frame    []byte
}

// Directive is the switch's answer to an inbound frame: socket ids that
// receive the raw frame unchanged, plus control frames to synthesize.
type Directive struct {
	Forward []string
	Sends   []Send
}

// Handler is the switch-side of the transport. The registry holds no
// channel or participant knowledge; every decision comes from here.
type Handler interface {
	// SocketConnected asks for a socket id for a new connection. The
	// connection is rejected when ok is false.
	SocketConnected(remoteAddr string) (socketID string, ok bool)
	// FrameReceived hands a decodable inbound binary frame to the switch
	// and receives the delivery directive.
	FrameReceived(socketID string, frame []byte) Directive
	// SocketClosed reports that the socket is gone.
	SocketClosed(socketID string)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger *zap.Logger
	// SendQueueCapacity bounds the per-connection outbound queue.
	SendQueueCapacity int
}

// Registry owns the live websocket connections, keyed by opaque socket ids.
// It is a pure byte-delivery fabric: inbound frames go to the bound
// Handler, outbound frames are queued per connection and written by a
// dedicated goroutine so queued byte counts expose backpressure.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*socketConn
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	queueCap int
}

type socketConn struct {
	id       string
	ws       *websocket.Conn
	outbound chan []byte
	buffered atomic.Int64
	closed   atomic.Bool
	done     chan struct{}
}

// NewRegistry constructs a Registry. Bind a Handler before serving.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueCap := cfg.SendQueueCapacity
	if queueCap <= 0 {
		queueCap = sendQueueCapacity
	}
	return &Registry{
		conns:  make(map[string]*socketConn),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		queueCap: queueCap,
	}
}

// Bind attaches the switch-side handler. Must happen before the first
// upgrade.
func (r *Registry) Bind(handler Handler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes.
func (r *Registry) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler == nil {
		r.logger.Error("websocket upgrade refused", zap.Error(errMissingHandler))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	socketID, ok := handler.SocketConnected(req.RemoteAddr)
	if !ok {
		r.logger.Warn("connection rejected by switch", zap.String("remote", req.RemoteAddr))
		ws.Close()
		return
	}

	conn := &socketConn{
		id:       socketID,
		ws:       ws,
		outbound: make(chan []byte, r.queueCap),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.conns[socketID] = conn
	r.mu.Unlock()

	go r.writeLoop(conn)
	r.readLoop(conn, handler)
}

func (r *Registry) readLoop(conn *socketConn, handler Handler) {
	defer r.teardown(conn, handler)
	for {
		messageType, frame, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			r.logger.Warn("non-binary frame dropped", zap.String("socket", conn.id))
			continue
		}
		directive := handler.FrameReceived(conn.id, frame)
		for _, recipient := range directive.Forward {
			if !r.Deliver(frame, recipient) {
				r.logger.Warn("fan-out delivery failed",
					zap.String("socket", recipient))
			}
		}
		for _, send := range directive.Sends {
			if !r.Deliver(send.Frame, send.SocketID) {
				r.logger.Warn("control delivery failed",
					zap.String("socket", send.SocketID))
			}
		}
	}
}

func (r *Registry) writeLoop(conn *socketConn) {
	for {
		select {
		case frame := <-conn.outbound:
			conn.buffered.Add(-int64(len(frame)))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				r.logger.Warn("socket write failed",
					zap.String("socket", conn.id), zap.Error(err))
				conn.ws.Close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (r *Registry) teardown(conn *socketConn, handler Handler) {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	close(conn.done)
	conn.ws.Close()
	r.mu.Lock()
	delete(r.conns, conn.id)
	r.mu.Unlock()
	handler.SocketClosed(conn.id)
}

// Deliver queues a frame for the socket. Returns false when the socket is
// unknown, closed, or its outbound queue is full; failures are logged by
// callers, never thrown.
func (r *Registry) Deliver(frame []byte, socketID string) bool {
	r.mu.RLock()
	conn := r.conns[socketID]
	r.mu.RUnlock()
	if conn == nil || conn.closed.Load() {
		return false
	}
	// Count the bytes before queueing so the write loop's decrement can
	// never race BufferedBytes below zero for a healthy socket.
	conn.buffered.Add(int64(len(frame)))
	select {
	case conn.outbound <- frame:
		return true
	default:
		conn.buffered.Add(-int64(len(frame)))
		return false
	}
}

// BufferedBytes reports bytes queued but not yet written for the socket.
// Unknown sockets report -1.
func (r *Registry) BufferedBytes(socketID string) int {
	r.mu.RLock()
	conn := r.conns[socketID]
	r.mu.RUnlock()
	if conn == nil {
		return -1
	}
	return int(conn.buffered.Load())
}

// Close force-closes the socket; the read loop then reports the closure to
// the handler.
func (r *Registry) Close(socketID string) {
	r.mu.RLock()
	conn := r.conns[socketID]
	r.mu.RUnlock()
	if conn != nil {
		conn.ws.Close()
	}
}
