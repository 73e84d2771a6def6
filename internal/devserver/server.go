package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liveq-dev/liveq/pkg/transport"
)

// Server serves the liveq wire protocol over /ws plus health and metrics
// endpoints.
type Server struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sessions   map[*session]struct{}
	sessionsMu sync.Mutex
}

// session is one WebSocket connection and its subscriptions.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// subs maps subID to topic key.
	subs   map[uint64]string
	subsMu sync.Mutex
}

// New creates a Server around a Registry and installs itself as the
// registry's publisher.
func New(registry *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dev server: accept any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
	registry.setPublisher(s.broadcast)
	return s
}

// Router returns the chi router: /ws, /healthz, /metrics.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}

	sess := &session{
		conn: conn,
		subs: make(map[uint64]string),
	}
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		s.sessionsMu.Unlock()
		conn.Close()
	}()

	s.readLoop(r.Context(), sess)
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.logger.Error("read error", "error", err)
			}
			return
		}

		frame, err := transport.DecodeFrame(msg)
		if err != nil {
			s.logger.Error("frame decode error", "error", err)
			continue
		}

		switch frame.Type {
		case transport.FrameCall:
			s.handleCall(ctx, sess, frame)
		case transport.FrameSubscribe:
			s.handleSubscribe(ctx, sess, frame)
		case transport.FrameUnsubscribe:
			sess.subsMu.Lock()
			delete(sess.subs, frame.SubID)
			sess.subsMu.Unlock()
		case transport.FramePing:
			sess.write(&transport.Frame{Type: transport.FramePong})
		case transport.FramePong:
			// Keepalive acknowledged.
		default:
			s.logger.Warn("unexpected frame type", "type", string(frame.Type))
		}
	}
}

func (s *Server) handleCall(ctx context.Context, sess *session, f *transport.Frame) {
	fn, ok := s.registry.lookup(string(f.Kind), f.Ref)
	if !ok {
		sess.write(&transport.Frame{
			Type:  transport.FrameResult,
			ID:    f.ID,
			Ref:   f.Ref,
			Error: "unknown function: " + f.Ref,
		})
		return
	}

	v, err := fn(ctx, f.Args)
	if err != nil {
		sess.write(&transport.Frame{
			Type:  transport.FrameResult,
			ID:    f.ID,
			Ref:   f.Ref,
			Error: err.Error(),
		})
		return
	}

	raw, err := marshalValue(v)
	if err != nil {
		sess.write(&transport.Frame{
			Type:  transport.FrameResult,
			ID:    f.ID,
			Ref:   f.Ref,
			Error: err.Error(),
		})
		return
	}
	sess.write(&transport.Frame{Type: transport.FrameResult, ID: f.ID, Value: raw})
}

func (s *Server) handleSubscribe(ctx context.Context, sess *session, f *transport.Frame) {
	key, err := TopicKey(f.Ref, f.Args)
	if err != nil {
		sess.write(&transport.Frame{
			Type:  transport.FrameSubError,
			SubID: f.SubID,
			Error: err.Error(),
		})
		return
	}

	sess.subsMu.Lock()
	sess.subs[f.SubID] = key
	sess.subsMu.Unlock()

	// Serve the current value immediately when the ref has a query
	// handler; later changes arrive via Publish.
	if fn, ok := s.registry.lookup("query", f.Ref); ok {
		v, err := fn(ctx, f.Args)
		if err != nil {
			sess.write(&transport.Frame{
				Type:  transport.FrameSubError,
				SubID: f.SubID,
				Error: err.Error(),
			})
			return
		}
		raw, err := marshalValue(v)
		if err != nil {
			sess.write(&transport.Frame{
				Type:  transport.FrameSubError,
				SubID: f.SubID,
				Error: err.Error(),
			})
			return
		}
		sess.write(&transport.Frame{Type: transport.FrameUpdate, SubID: f.SubID, Value: raw})
	}
}

// broadcast delivers a published value to every session subscribed to the
// topic.
func (s *Server) broadcast(topicKey string, value any) {
	raw, err := marshalValue(value)
	if err != nil {
		s.logger.Error("publish encode error", "error", err)
		return
	}

	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range sessions {
		sess.subsMu.Lock()
		var ids []uint64
		for id, key := range sess.subs {
			if key == topicKey {
				ids = append(ids, id)
			}
		}
		sess.subsMu.Unlock()

		for _, id := range ids {
			sess.write(&transport.Frame{Type: transport.FrameUpdate, SubID: id, Value: raw})
		}
	}
}

func (sess *session) write(f *transport.Frame) {
	b, err := transport.EncodeFrame(f)
	if err != nil {
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.WriteMessage(websocket.TextMessage, b)
}
