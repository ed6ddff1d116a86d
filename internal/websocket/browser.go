package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhandras/deltarun/internal/api/middleware"
	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/runtime"
	"github.com/bhandras/deltarun/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// DefaultWriteTimeout bounds a single frame write to a slow peer.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is how often idle connections are probed.
	DefaultPingInterval = 20 * time.Second

	maxBackMsgSize = 32 << 20
)

// BrowserClient delivers forward messages as binary websocket frames.
type BrowserClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// gorilla allows one concurrent writer.
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBrowserClient wraps an upgraded connection.
func NewBrowserClient(conn *websocket.Conn, writeTimeout time.Duration) *BrowserClient {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &BrowserClient{conn: conn, writeTimeout: writeTimeout}
}

// WriteMessage implements runtime.Client. Any write failure leaves the
// connection unusable, so it is reported as a disconnect.
func (c *BrowserClient) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return runtime.ErrClientDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("%w: %v", runtime.ErrClientDisconnected, err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("%w: %v", runtime.ErrClientDisconnected, err)
	}
	return nil
}

// IsConnected implements runtime.Client.
func (c *BrowserClient) IsConnected() bool { return !c.closed.Load() }

func (c *BrowserClient) markClosed() { c.closed.Store(true) }

// Close implements runtime.Client. It sends a going-away close frame and
// closes the connection, which ends the read loop in HandleStream.
func (c *BrowserClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.markClosed()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *BrowserClient) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// StreamServer serves the browser websocket route.
type StreamServer struct {
	rt           SessionRuntime
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// StreamOptions tunes a StreamServer. Zero values pick defaults.
type StreamOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

// NewStreamServer returns a server that opens one session per connection.
func NewStreamServer(rt SessionRuntime, opts StreamOptions) *StreamServer {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &StreamServer{
		rt: rt,
		upgrader: websocket.Upgrader{
			CheckOrigin:       checkOrigin,
			EnableCompression: true,
		},
		writeTimeout: opts.WriteTimeout,
		pingInterval: pingInterval,
	}
}

// HandleStream handles GET /stream. It expects middleware.AuthMiddleware to
// have run.
func (s *StreamServer) HandleStream(c *gin.Context) {
	userInfo, _ := middleware.GetUserInfo(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[websocket] upgrade error: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBackMsgSize)

	client := NewBrowserClient(conn, s.writeTimeout)
	sessionID, err := s.rt.CreateSession(client, userInfo)
	if err != nil {
		logger.Warnf("[websocket] create session: %v", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	logger.Infof("[websocket] session %s connected (user %q)", sessionID, userInfo.UserID)

	done := make(chan struct{})
	defer func() {
		close(done)
		client.markClosed()
		s.rt.CloseSession(sessionID)
		logger.Infof("[websocket] session %s disconnected", sessionID)
	}()
	go s.keepAlive(client, done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warnf("[websocket] session %s read error: %v", sessionID, err)
			}
			return
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		if !s.dispatch(sessionID, data) {
			return
		}
	}
}

// dispatch routes one client frame and reports whether the connection should
// stay open.
func (s *StreamServer) dispatch(sessionID string, data []byte) bool {
	msg, err := wire.DecodeBackMsg(data)
	if err != nil {
		err = s.rt.HandleEventDeserializationFailure(sessionID, err)
	} else {
		err = s.rt.HandleEvent(sessionID, msg)
	}
	if errors.Is(err, runtime.ErrRuntimeStopped) {
		return false
	}
	if err != nil {
		logger.Warnf("[websocket] session %s: %v", sessionID, err)
	}
	return true
}

func (s *StreamServer) keepAlive(client *BrowserClient, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				client.markClosed()
				return
			}
		}
	}
}
