package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	countflow "github.com/pnvasko/count-flow"
	"github.com/pnvasko/count-flow/common"
	"github.com/pnvasko/count-flow/coordination"
	"go.uber.org/zap"
	"net/http"
	"time"
)

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Dispatcher interface {
	Dispatch(line string) string
}

// HealthFunc reports whether the process can serve; nil means healthy.
type HealthFunc func(ctx context.Context) error

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	ctx        context.Context
	hub        *Hub
	dispatcher Dispatcher
	health     HealthFunc
	srv        *http.Server

	logger *common.Logger
}

// NewServer serves /health and /ws on addr. ctx bounds the lifetime of the
// websocket sessions.
func NewServer(ctx context.Context, addr string, hub *Hub, dispatcher Dispatcher, health HealthFunc, logger *common.Logger) *Server {
	s := &Server{
		ctx:        ctx,
		hub:        hub,
		dispatcher: dispatcher,
		health:     health,
		logger:     logger,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) ListenAndServe(_ context.Context) error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(_ error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	body := map[string]interface{}{"status": "ok", "observers": s.hub.Len()}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity")
	if entityID != "" {
		if err := coordination.ValidEntityID(entityID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Ctx(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(conn, entityID)
	if !s.hub.Register(s.ctx, client) {
		_ = conn.Close()
		return
	}

	go s.readPump(client)
	s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.Unregister(s.ctx, client)
		_ = client.conn.Close()
	}()
	for {
		var msg ClientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err), zap.String("client", client.id))
			}
			return
		}
		if reply, ok := s.handleMessage(client, msg); ok {
			client.Notify(countflow.Notice{Kind: countflow.NoticeReply, EntityID: client.entityID, Text: reply})
		}
	}
}

func (s *Server) handleMessage(client *Client, msg ClientMessage) (string, bool) {
	switch msg.Type {
	case MessageTypeCount:
		if client.entityID == "" {
			return "Connect with ?entity=<entityId> to count yourself.", true
		}
		return s.dispatcher.Dispatch(countflow.CountCommand + " " + client.entityID), true
	case MessageTypeCommand:
		line, _ := msg.Data["line"].(string)
		return s.dispatcher.Dispatch(line), true
	default:
		s.logger.Debug("unknown message type", zap.String("type", msg.Type), zap.String("client", client.id))
		return "", false
	}
}

func (s *Server) writePump(client *Client) {
	defer client.conn.Close()
	for notice := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteJSON(notice); err != nil {
			s.logger.Warn("websocket write failed", zap.Error(err), zap.String("client", client.id))
			return
		}
	}
	_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
