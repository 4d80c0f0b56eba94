package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/term-engine/internal/agent"
	"github.com/asheshgoplani/term-engine/internal/session"
)

type pushSubscription struct {
	Endpoint string               `json:"endpoint"`
	Keys     pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state,omitempty"`
	Timestamp string `json:"timestamp"`
}

// pushService sends Web Push notifications when a session starts waiting for
// input or fails. Subscriptions are held in memory; clients re-subscribe on
// reconnect.
type pushService struct {
	cfg Config
	mgr SessionManager

	mu    sync.Mutex
	subs  map[string]pushSubscription // keyed by endpoint
	unsub func()
}

func newPushService(cfg Config, mgr SessionManager) *pushService {
	return &pushService{
		cfg:  cfg,
		mgr:  mgr,
		subs: make(map[string]pushSubscription),
	}
}

// Start subscribes to state-changed events. Notifications go out only for
// transitions a user should act on.
func (p *pushService) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsub != nil {
		return
	}
	p.unsub = p.mgr.Subscribe(session.TopicStateChanged, func(payload any) {
		ev, ok := payload.(session.StateChangedEvent)
		if !ok {
			return
		}
		if ev.To != agent.StateWaiting && ev.To != agent.StateFailed {
			return
		}
		go p.notify(ev)
	})
}

// Stop unsubscribes from the bus. Idempotent.
func (p *pushService) Stop() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (p *pushService) Upsert(sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.subs[sub.Endpoint] = sub
	p.mu.Unlock()
	return nil
}

func (p *pushService) Remove(endpoint string) {
	endpoint = strings.TrimSpace(endpoint)
	p.mu.Lock()
	delete(p.subs, endpoint)
	p.mu.Unlock()
}

func (p *pushService) notify(ev session.StateChangedEvent) {
	title := "Session needs input"
	if ev.To == agent.StateFailed {
		title = "Session failed"
	}
	msg := pushMessage{
		Title:     title,
		Body:      fmt.Sprintf("%s is %s", ev.SessionID, ev.To),
		Tag:       "session-" + ev.SessionID,
		SessionID: ev.SessionID,
		State:     string(ev.To),
		Timestamp: ev.At.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	p.mu.Lock()
	subs := make([]pushSubscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		status, err := p.send(payload, sub)
		if err != nil {
			webLog.Warn("push_send_failed",
				slog.String("session", ev.SessionID),
				slog.Int("status", status),
				slog.String("error", err.Error()))
			// Gone/NotFound mean the browser dropped the subscription.
			if status == http.StatusGone || status == http.StatusNotFound {
				p.Remove(sub.Endpoint)
			}
		}
	}
}

func (p *pushService) send(payload []byte, sub pushSubscription) (int, error) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.cfg.PushVAPIDSubject,
		VAPIDPublicKey:  p.cfg.PushVAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.PushVAPIDPrivateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	resp := map[string]any{"enabled": s.push != nil}
	if s.push != nil {
		resp["publicKey"] = s.cfg.PushVAPIDPublicKey
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_DISABLED", "push notifications are not configured")
		return
	}

	var sub pushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if err := s.push.Upsert(sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_DISABLED", "push notifications are not configured")
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	s.push.Remove(req.Endpoint)
	w.WriteHeader(http.StatusNoContent)
}
