package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	requestTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The supervisor connects from localhost or inside the deployment.
		return true
	},
}

// Request is one inbound protocol frame.
type Request struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Response is one outbound protocol frame. Exactly one of Result or Error is
// set.
type Response struct {
	ID        string    `json:"id"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// callParams is the tools/call payload.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Server serves the tool protocol on a websocket endpoint.
type Server struct {
	registry   *Registry
	logger     zerolog.Logger
	httpServer *http.Server
	engine     *gin.Engine
}

// NewServer builds the websocket endpoint around a tool registry.
func NewServer(registry *Registry, port int, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		registry: registry,
		logger:   logger.With().Str("component", "tools").Logger(),
		engine:   engine,
	}
	engine.GET("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Tools server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Tools server failed")
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Supervisor connected")
	s.serveConn(c.Request.Context(), conn)
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Supervisor disconnected")
}

// serveConn handles one connection. Requests are processed serially in
// arrival order.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeResponse(conn, Response{Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp := s.dispatch(reqCtx, req)
		cancel()

		if !s.writeResponse(conn, resp) {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, Timestamp: time.Now().UTC()}

	switch req.Method {
	case "tools/list":
		resp.Result = map[string]any{"tools": s.registry.List()}

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = fmt.Sprintf("malformed tools/call params: %v", err)
			return resp
		}
		result, err := s.registry.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = result

	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
	return resp
}

func (s *Server) writeResponse(conn *websocket.Conn, resp Response) bool {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(resp); err != nil {
		s.logger.Warn().Err(err).Msg("Websocket write failed")
		return false
	}
	return true
}
