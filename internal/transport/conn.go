package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxmux/voxmux/internal/app"
	"github.com/voxmux/voxmux/internal/session"
	"github.com/voxmux/voxmux/pkg/protocol"
)

const (
	// maxQueuedMessages bounds the outbound buffer per connection. Audio
	// frames past this point are shed; control messages always queue.
	maxQueuedMessages = 256

	// handshakeTimeout is how long a fresh connection may take to present
	// its session.start frame.
	handshakeTimeout = 10 * time.Second

	// writeTimeout caps a single frame write to a client.
	writeTimeout = 5 * time.Second

	// maxFrameBytes caps inbound frame size. Base64 PCM at the canonical
	// rate is 64 KB per second of audio, so this allows chunks well beyond
	// anything a sane client batches.
	maxFrameBytes = 1 << 20
)

// sender delivers server messages to one WebSocket client. Send never
// blocks: messages queue onto a writer goroutine, and when the client
// cannot drain fast enough, audio frames are shed so control messages
// still get through.
type sender struct {
	ws  *websocket.Conn
	log *slog.Logger

	mu      sync.Mutex
	queue   []protocol.ServerMessage
	written int
	shed    int
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newSender(ws *websocket.Conn, log *slog.Logger) *sender {
	return &sender{
		ws:   ws,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Send queues one message for delivery. It implements [app.Sender].
func (s *sender) Send(msg protocol.ServerMessage) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("transport: connection closed")
	}
	if msg.Type == protocol.TypeAudioChunk && len(s.queue) >= maxQueuedMessages {
		s.shed++
		s.mu.Unlock()
		return nil
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// stop tells the writer to exit once the queue is drained. Safe to call
// more than once.
func (s *sender) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// delivered reports whether any server message has been queued or written.
func (s *sender) delivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written > 0 || len(s.queue) > 0
}

// run writes queued messages in order until stop drains the queue, ctx ends,
// or a write fails. It owns all writes to the connection.
func (s *sender) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		shed := s.shed
		s.mu.Unlock()
		if shed > 0 {
			s.log.Info("shed audio frames for slow client", "count", shed)
		}
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		data, err := msg.Encode()
		if err != nil {
			s.log.Error("encode server message", "type", msg.Type, "err", err)
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = s.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.log.Debug("client write failed", "err", err)
			return
		}

		s.mu.Lock()
		s.written++
		s.mu.Unlock()
	}
}

// handleSession upgrades the request and binds the connection to a session
// runtime. The handler returns when the session is over, from either side.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Sessions carry no cookie credentials, so origin is not enforced.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer ws.Close(websocket.StatusInternalError, "session teardown")

	ctx := r.Context()
	snd := newSender(ws, s.log)
	go snd.run(ctx)

	start, err := readStart(ctx, ws)
	if err != nil {
		s.log.Debug("handshake failed", "remote", r.RemoteAddr, "err", err)
		snd.Send(protocol.NewError("session.start required"))
		snd.stop()
		<-snd.done
		ws.Close(websocket.StatusPolicyViolation, "session.start required")
		return
	}

	rt, err := s.app.StartRuntime(ctx, start, snd)
	if err != nil {
		s.log.Warn("session start rejected", "remote", r.RemoteAddr, "err", err)
		// Upstream connect failures already reported error and
		// connection.failed through the sender; do not repeat them.
		if !snd.delivered() {
			snd.Send(protocol.NewError(err.Error()))
		}
		snd.stop()
		<-snd.done
		ws.Close(websocket.StatusPolicyViolation, "session start rejected")
		return
	}

	log := s.log.With("session_id", rt.SessionID())
	log.Info("client connected", "remote", r.RemoteAddr)

	// The runtime can end on its own (client session.end, fatal upstream
	// error, server shutdown); unwind the blocked read when it does.
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		select {
		case <-rt.Done():
			cancelRead()
		case <-readCtx.Done():
		}
	}()

	s.readLoop(readCtx, ws, rt, snd)

	select {
	case <-rt.Done():
	default:
		rt.Close(session.ReasonDisconnect)
	}

	snd.stop()
	<-snd.done
	ws.Close(websocket.StatusNormalClosure, "session ended")
	log.Info("client disconnected")
}

// readStart reads and validates the opening frame of a connection.
func readStart(ctx context.Context, ws *websocket.Conn) (*protocol.ClientMessage, error) {
	rctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(rctx)
	if err != nil {
		return nil, fmt.Errorf("read opening frame: %w", err)
	}
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeSessionStart {
		return nil, fmt.Errorf("transport: first frame must be session.start, got %s", msg.Type)
	}
	return msg, nil
}

// readLoop decodes client frames into the runtime until the connection or
// the runtime goes away. Malformed frames draw an error message and are
// dropped; the session stays up.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, rt *app.Runtime, snd *sender) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != -1 && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.log.Debug("client closed abnormally", "session_id", rt.SessionID(), "status", status)
			}
			return
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			snd.Send(protocol.NewError(err.Error()))
			continue
		}
		rt.HandleClient(msg)
	}
}
