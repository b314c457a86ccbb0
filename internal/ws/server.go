package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/whisperworker/internal/job"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
)

// Runner executes one job; *job.Handler implements it.
type Runner interface {
	Handle(ctx context.Context, ev job.Event) job.Response
}

// ErrServerClosed is returned for work offered after Shutdown.
var ErrServerClosed = errors.New("ws: server closed")

// Server accepts jobs over a websocket. Each job runs concurrently; the
// connection closing cancels every job it started.
type Server struct {
	runner   Runner
	upgrader websocket.Upgrader
	maxMsg   int64

	mu       sync.Mutex
	closing  bool
	sessions map[*session]context.CancelFunc
	jobs     sync.WaitGroup
}

// NewServer returns a websocket job server. maxMessageBytes bounds a single
// inbound frame, which carries any inline audio.
func NewServer(runner Runner, maxMessageBytes int64) *Server {
	return &Server{
		runner: runner,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		maxMsg:   maxMessageBytes,
		sessions: make(map[*session]context.CancelFunc),
	}
}

// Shutdown stops accepting connections and jobs, cancels every running job
// and waits for them to return or ctx to end. Open connections are then
// closed with a going-away frame.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess, cancel := range s.sessions {
		cancel()
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, sess := range sessions {
		sess.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		sess.writeMu.Unlock()
		_ = sess.conn.Close()
	}
	return err
}

func (s *Server) track(sess *session, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = cancel
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// inbound is any client frame. Job frames carry the event fields inline.
type inbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	TS   any    `json:"ts,omitempty"`
}

type session struct {
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex
	mu      sync.Mutex
	jobs    map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.maxMsg > 0 {
		conn.SetReadLimit(s.maxMsg)
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(readTimeout)) })

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	sess := &session{conn: conn, ctx: ctx, jobs: make(map[string]context.CancelFunc)}
	if !s.track(sess, cancel) {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(time.Second))
		return
	}
	defer s.untrack(sess)
	logger := log.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("ws: client connected")

	stopPing := make(chan struct{})
	go sess.keepalive(stopPing)

	defer func() {
		close(stopPing)
		cancel()
		sess.wg.Wait()
		logger.Info().Msg("ws: client disconnected")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		// Bump read deadline on any activity
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			sess.write(map[string]any{"type": "error", "detail": "only text frames are accepted"})
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.write(map[string]any{"type": "error", "detail": "invalid json"})
			continue
		}
		switch msg.Type {
		case "ping":
			sess.write(map[string]any{"type": "pong", "ts": msg.TS})
		case "job":
			var ev job.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				sess.write(map[string]any{"type": "error", "id": msg.ID, "detail": "invalid job: " + err.Error()})
				continue
			}
			s.start(sess, ev)
		case "cancel":
			if !sess.cancel(strings.TrimSpace(msg.ID)) {
				sess.write(map[string]any{"type": "error", "id": msg.ID, "detail": "no such job"})
			}
		default:
			sess.write(map[string]any{"type": "error", "detail": "unknown message type"})
		}
	}
}

func (s *Server) start(sess *session, ev job.Event) {
	ev.ID = job.NewID(ev.ID)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sess.write(map[string]any{"type": "error", "id": ev.ID, "detail": ErrServerClosed.Error()})
		return
	}
	s.jobs.Add(1)
	s.mu.Unlock()

	sess.mu.Lock()
	if _, busy := sess.jobs[ev.ID]; busy {
		sess.mu.Unlock()
		s.jobs.Done()
		sess.write(map[string]any{"type": "error", "id": ev.ID, "detail": "job id already running"})
		return
	}
	ctx, cancel := context.WithCancel(sess.ctx)
	sess.jobs[ev.ID] = cancel
	sess.mu.Unlock()

	sess.write(map[string]any{"type": "accepted", "id": ev.ID})

	sess.wg.Add(1)
	go func() {
		defer s.jobs.Done()
		defer sess.wg.Done()
		defer func() {
			sess.mu.Lock()
			delete(sess.jobs, ev.ID)
			sess.mu.Unlock()
			cancel()
		}()

		resp := s.runner.Handle(ctx, ev)
		sess.write(map[string]any{"type": "result", "id": ev.ID, "output": resp})
	}()
}

func (sess *session) cancel(id string) bool {
	sess.mu.Lock()
	cancel, ok := sess.jobs[id]
	sess.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// write serializes frames; gorilla connections allow one concurrent writer.
func (sess *session) write(v any) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := sess.conn.WriteJSON(v); err != nil {
		log.Debug().Err(err).Msg("ws write failed")
	}
}

func (sess *session) keepalive(stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			sess.writeMu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			sess.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
