package wsfabric

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisbric/platform/internal/reqctx"
)

const (
	writeWait = 10 * time.Second
)

// buildCheckOrigin returns a CheckOrigin function validating the request's
// Origin header against allowed, the way
// Generativebots-ocx-backend-go-svc/internal/fabric/websocket.go's
// buildCheckOrigin gates production traffic; an empty allowlist permits
// every origin.
func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimSpace(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// Server upgrades inbound HTTP requests to WebSocket connections and wires
// them into a Hub.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer constructs a Server bound to hub, restricting origins to
// allowedOrigins (empty means allow all).
func NewServer(hub *Hub, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     buildCheckOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection, registers a Socket scoped to the
// ambient RequestContext's tenant, and runs its read/write pumps until
// disconnect.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.Current(r.Context())
	tenantID := rc.TenantID.String()
	userID := ""
	if rc.Session != nil {
		userID = rc.Session.UserID.String()
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	socket := srv.hub.Register(r.Context(), tenantID, userID)
	go srv.writePump(conn, socket)
	go srv.readPump(context.Background(), conn, socket)
}

// writePump is the sole goroutine writing to conn, per gorilla/websocket's
// single-writer requirement; it multiplexes queued messages with the
// periodic application-level ping (step 9).
func (srv *Server) writePump(conn *websocket.Conn, socket *Socket) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-socket.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			raw, err := EncodeOutbound(Outbound{Tag: OutboundPing, ServerTime: time.Now()})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-socket.Done():
			return
		}
	}
}

// readPump decodes inbound frames and dispatches them against hub,
// enqueuing any resulting error payload. A decode failure is answered with
// an error payload and reading continues (step 2); a dispatch error whose
// WsError is terminal also ends the connection.
func (srv *Server) readPump(ctx context.Context, conn *websocket.Conn, socket *Socket) {
	defer func() {
		srv.hub.Unregister(ctx, socket)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		in, err := DecodeInbound(raw)
		if err != nil {
			srv.sendError(socket, NewWsError(ReasonInvalidMessage, socket.ID, err))
			continue
		}

		if err := srv.dispatch(ctx, socket, in); err != nil {
			srv.sendError(socket, err)
			var wsErr *WsError
			if errors.As(err, &wsErr) && wsErr.IsTerminal() {
				return
			}
		}
	}
}

func (srv *Server) sendError(socket *Socket, err error) {
	payload, encodeErr := EncodeOutbound(ToPayload(err))
	if encodeErr != nil {
		return
	}
	_ = socket.enqueue(payload)
}

func (srv *Server) dispatch(ctx context.Context, socket *Socket, in Inbound) error {
	switch in.Tag {
	case InboundPong:
		socket.touchPong()
		return nil
	case InboundJoin:
		return srv.hub.Join(ctx, socket, in.RoomID)
	case InboundLeave:
		return srv.hub.Leave(ctx, socket, in.RoomID)
	case InboundSend:
		return srv.hub.SendRoom(ctx, socket, in.RoomID, in.Data)
	case InboundDirect:
		return srv.hub.Direct(ctx, socket, in.Target, in.Data)
	case InboundMetaGet:
		value, err := srv.hub.MetaGet(ctx, socket, in.Key)
		if err != nil {
			return err
		}
		payload, encErr := EncodeOutbound(Outbound{Tag: OutboundMetaData, Key: in.Key, Data: value})
		if encErr == nil {
			_ = socket.enqueue(payload)
		}
		return nil
	case InboundMetaSet:
		return srv.hub.MetaSet(ctx, socket, in.Key, in.Data)
	default:
		return NewWsError(ReasonInvalidMessage, socket.ID, nil)
	}
}
