package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhandras/deltarun/internal/api/middleware"
	"github.com/bhandras/deltarun/internal/crypto"
	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/runtime"
	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/wire"
	"github.com/gin-gonic/gin"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"
)

const (
	// SocketIOPath is where the Socket.IO endpoint is mounted.
	SocketIOPath = "/socket.io"

	// Event names.
	eventForward = "forward"
	eventBack    = "back"
	eventError   = "error"

	socketIOPingInterval = 10 * time.Second
	socketIOPingTimeout  = 20 * time.Second
)

var errNoPayload = errors.New("empty back message")

// SocketIOClient delivers forward messages as binary "forward" events.
type SocketIOClient struct {
	socket *socket.Socket
	closed atomic.Bool
}

// WriteMessage implements runtime.Client.
func (c *SocketIOClient) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return runtime.ErrClientDisconnected
	}
	c.socket.Emit(eventForward, data)
	return nil
}

// IsConnected implements runtime.Client.
func (c *SocketIOClient) IsConnected() bool { return !c.closed.Load() }

func (c *SocketIOClient) markClosed() { c.closed.Store(true) }

// Close implements runtime.Client. A socket that already disconnected is
// left alone.
func (c *SocketIOClient) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.socket.Disconnect(true)
	}
	return nil
}

// SocketIOServer opens one session per Socket.IO connection.
type SocketIOServer struct {
	rt         SessionRuntime
	jwtManager *crypto.JWTManager
	server     *socket.Server

	mu       sync.Mutex
	sessions map[string]string // socket id -> session id
}

// NewSocketIOServer creates the Socket.IO endpoint. A nil jwtManager accepts
// anonymous connections.
func NewSocketIOServer(rt SessionRuntime, jwtManager *crypto.JWTManager) *SocketIOServer {
	opts := socket.DefaultServerOptions()
	opts.SetCors(&sockettypes.Cors{
		Origin:      "*",
		Credentials: false,
	})
	opts.SetPingInterval(socketIOPingInterval)
	opts.SetPingTimeout(socketIOPingTimeout)
	opts.SetPath(SocketIOPath)

	s := &SocketIOServer{
		rt:         rt,
		jwtManager: jwtManager,
		server:     socket.NewServer(nil, opts),
		sessions:   make(map[string]string),
	}
	s.server.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		s.handleConnection(client)
	})
	return s
}

// authenticate resolves the handshake auth map to a user.
func (s *SocketIOServer) authenticate(auth map[string]any) (script.UserInfo, error) {
	if s.jwtManager == nil {
		return script.UserInfo{}, nil
	}
	token, _ := auth["token"].(string)
	if token == "" {
		return script.UserInfo{}, errors.New("missing authentication token")
	}
	claims, err := s.jwtManager.VerifyToken(token)
	if err != nil {
		return script.UserInfo{}, err
	}
	return middleware.UserInfoFromClaims(claims), nil
}

func (s *SocketIOServer) handleConnection(client *socket.Socket) {
	socketID := string(client.Id())

	userInfo, err := s.authenticate(client.Handshake().Auth)
	if err != nil {
		logger.Warnf("[socketio] auth rejected (socket %s): %v", socketID, err)
		client.Emit(eventError, map[string]string{"message": "Invalid authentication token"})
		client.Disconnect(true)
		return
	}

	sioClient := &SocketIOClient{socket: client}
	sessionID, err := s.rt.CreateSession(sioClient, userInfo)
	if err != nil {
		logger.Warnf("[socketio] create session (socket %s): %v", socketID, err)
		client.Emit(eventError, map[string]string{"message": "Server unavailable"})
		client.Disconnect(true)
		return
	}

	s.mu.Lock()
	s.sessions[socketID] = sessionID
	s.mu.Unlock()
	logger.Infof("[socketio] session %s connected (socket %s)", sessionID, socketID)

	client.On(eventBack, func(data ...any) {
		raw, err := backPayload(data)
		if err != nil {
			_ = s.rt.HandleEventDeserializationFailure(sessionID, err)
			return
		}
		msg, err := wire.DecodeBackMsg(raw)
		if err != nil {
			err = s.rt.HandleEventDeserializationFailure(sessionID, err)
		} else {
			err = s.rt.HandleEvent(sessionID, msg)
		}
		if err != nil && !errors.Is(err, runtime.ErrRuntimeStopped) {
			logger.Warnf("[socketio] session %s: %v", sessionID, err)
		}
	})

	client.On("disconnect", func(data ...any) {
		reason := ""
		if len(data) > 0 {
			reason, _ = data[0].(string)
		}
		sioClient.markClosed()
		s.mu.Lock()
		delete(s.sessions, socketID)
		s.mu.Unlock()
		s.rt.CloseSession(sessionID)
		logger.Infof("[socketio] session %s disconnected (reason: %s)", sessionID, reason)
	})
}

// backPayload extracts the encoded BackMsg from event arguments. Binary
// attachments arrive as byte slices or buffers. JSON clients send an object
// or a JSON string.
func backPayload(data []any) ([]byte, error) {
	if len(data) == 0 || data[0] == nil {
		return nil, errNoPayload
	}
	switch v := data[0].(type) {
	case []byte:
		return v, nil
	case interface{ Bytes() []byte }:
		return v.Bytes(), nil
	case string:
		return jsonBackMsg([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("back message: %w", err)
		}
		return jsonBackMsg(raw)
	}
}

// jsonBackMsg re-encodes a JSON BackMsg so it goes through the same
// validation as binary frames.
func jsonBackMsg(raw []byte) ([]byte, error) {
	var msg wire.BackMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("back message: %w", err)
	}
	return wire.EncodeBackMsg(&msg)
}

// SessionCount returns the number of live Socket.IO sessions.
func (s *SocketIOServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleSocketIO creates a Gin handler for Socket.IO
func (s *SocketIOServer) HandleSocketIO() gin.HandlerFunc {
	httpHandler := s.server.ServeHandler(nil)

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}
		logger.Tracef("[socketio] request: %s %s", c.Request.Method, c.Request.URL.Path)
		httpHandler.ServeHTTP(c.Writer, c.Request)
	}
}

// Close shuts down the Socket.IO server
func (s *SocketIOServer) Close() error {
	s.server.Close(nil)
	return nil
}
