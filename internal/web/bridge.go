package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/term-engine/internal/session"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type       string    `json:"type"` // status, state, error
	Event      string    `json:"event,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	State      string    `json:"state,omitempty"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	ExitCode   int       `json:"exitCode,omitempty"`
	ReadOnly   bool      `json:"readOnly,omitempty"`
	Time       time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes concurrent writes to one WebSocket connection;
// gorilla/websocket allows only one writer at a time.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// bridgeWriter is the subset of wsConnWriter the bridge writes through.
type bridgeWriter interface {
	WriteJSON(v any) error
	WriteBinary(data []byte) error
}

// sendQueueSize bounds the per-connection outbound queue. A client that
// falls this far behind gets disconnected instead of stalling the
// session's output pipeline.
const sendQueueSize = 256

// wsOutbound is one queued message. closeAfter tears the bridge down
// once the message is on the wire (the exit notification).
type wsOutbound struct {
	binary     []byte
	msg        *wsServerMessage
	closeAfter bool
}

// sessionBridge forwards one session's stabilized frames, state changes, and
// exit over a WebSocket. Frames go out as binary messages, everything else as
// JSON status messages. Bus callbacks only enqueue; a dedicated writer
// goroutine does the socket writes, so a slow client never blocks the
// stabilizer or the exit path publishing the event.
type sessionBridge struct {
	sessionID string
	mgr       SessionManager
	writer    bridgeWriter
	sendCh    chan wsOutbound

	unsubData  func()
	unsubState func()
	unsubExit  func()

	closeOnce sync.Once
	done      chan struct{}
}

func newSessionBridge(sessionID string, mgr SessionManager, writer bridgeWriter) *sessionBridge {
	b := &sessionBridge{
		sessionID: sessionID,
		mgr:       mgr,
		writer:    writer,
		sendCh:    make(chan wsOutbound, sendQueueSize),
		done:      make(chan struct{}),
	}

	b.unsubData = mgr.Subscribe(session.TopicData, func(payload any) {
		ev, ok := payload.(session.DataEvent)
		if !ok || ev.SessionID != sessionID {
			return
		}
		b.enqueue(wsOutbound{binary: []byte(ev.Data)})
	})
	b.unsubState = mgr.Subscribe(session.TopicStateChanged, func(payload any) {
		ev, ok := payload.(session.StateChangedEvent)
		if !ok || ev.SessionID != sessionID {
			return
		}
		b.enqueue(wsOutbound{msg: &wsServerMessage{
			Type:       "state",
			Event:      "state_changed",
			SessionID:  sessionID,
			State:      string(ev.To),
			Source:     ev.Source,
			Confidence: ev.Confidence,
			Time:       ev.At.UTC(),
		}})
	})
	b.unsubExit = mgr.Subscribe(session.TopicExit, func(payload any) {
		ev, ok := payload.(session.ExitEvent)
		if !ok || ev.SessionID != sessionID {
			return
		}
		b.enqueue(wsOutbound{msg: &wsServerMessage{
			Type:      "status",
			Event:     "session_closed",
			SessionID: sessionID,
			ExitCode:  ev.ExitCode,
			Time:      time.Now().UTC(),
		}, closeAfter: true})
	})

	go b.writeLoop()
	return b
}

// enqueue hands a message to the writer goroutine without blocking the
// publisher. On a full queue the client is cut loose.
func (b *sessionBridge) enqueue(out wsOutbound) {
	select {
	case b.sendCh <- out:
	default:
		webLog.Warn("websocket_send_queue_full",
			slog.String("session_id", b.sessionID))
		b.Close()
	}
}

func (b *sessionBridge) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case out := <-b.sendCh:
			var err error
			if out.msg != nil {
				err = b.writer.WriteJSON(*out.msg)
			} else {
				err = b.writer.WriteBinary(out.binary)
			}
			if err != nil || out.closeAfter {
				b.Close()
				return
			}
		}
	}
}

// Replay queues the retained scrollback so a new client starts with context.
func (b *sessionBridge) Replay() {
	snap, ok := b.mgr.GetTerminalSnapshot(b.sessionID)
	if !ok || snap.Scrollback == "" {
		return
	}
	b.enqueue(wsOutbound{binary: []byte(snap.Scrollback)})
}

// SendStatus queues a status event behind whatever is already in flight.
func (b *sessionBridge) SendStatus(event string) {
	b.enqueue(wsOutbound{msg: &wsServerMessage{
		Type:      "status",
		Event:     event,
		SessionID: b.sessionID,
		Time:      time.Now().UTC(),
	}})
}

func (b *sessionBridge) WriteInput(data string) {
	if data == "" {
		return
	}
	b.mgr.Write(b.sessionID, []byte(data))
}

func (b *sessionBridge) Resize(cols, rows int) bool {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return false
	}
	b.mgr.Resize(b.sessionID, uint16(cols), uint16(rows))
	return true
}

// Close unsubscribes from the bus. Idempotent.
func (b *sessionBridge) Close() {
	b.closeOnce.Do(func() {
		b.unsubData()
		b.unsubState()
		b.unsubExit()
		close(b.done)
	})
}

// Done is closed when the session exits or the bridge tears down.
func (b *sessionBridge) Done() <-chan struct{} {
	return b.done
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/ws/session/"
	sessionID := strings.TrimPrefix(r.URL.Path, prefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}
	if _, ok := s.mgr.GetTerminal(sessionID); !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sessionID,
		ReadOnly:  s.cfg.ReadOnly,
		Time:      time.Now().UTC(),
	})

	bridge := newSessionBridge(sessionID, s.mgr, writer)
	defer bridge.Close()
	bridge.Replay()
	// Queued behind the replay so clients see scrollback before ready.
	bridge.SendStatus("ready")

	// Close the read loop when the session exits or the server shuts down.
	go func() {
		select {
		case <-bridge.Done():
		case <-s.baseCtx.Done():
		}
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "INVALID_MESSAGE",
				Message:   "invalid json payload",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		case "input":
			if s.cfg.ReadOnly {
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "READ_ONLY",
					Message:   "input is disabled in read-only mode",
					SessionID: sessionID,
					Time:      time.Now().UTC(),
				})
				continue
			}
			bridge.WriteInput(msg.Data)
		case "resize":
			if !bridge.Resize(msg.Cols, msg.Rows) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "RESIZE_FAILED",
					Message:   "invalid terminal dimensions",
					SessionID: sessionID,
					Time:      time.Now().UTC(),
				})
			}
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "UNSUPPORTED_MESSAGE",
				Message:   "supported message types: ping,input,resize",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		}
	}
}
