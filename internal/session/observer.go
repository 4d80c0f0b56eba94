package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/term-engine/internal/agent"
	"github.com/asheshgoplani/term-engine/internal/classify"
	"github.com/asheshgoplani/term-engine/internal/logging"
)

var obsLog = logging.ForComponent(logging.CompObserver)

// Observer polls agent sessions for silent TUIs. Working sessions that stop
// producing output are run through the pattern heuristic; when patterns are
// inconclusive and a classifier is configured, the decision escalates to it.
// All verdicts feed the Manager's state machine, which rejects anything that
// arrives stale.
type Observer struct {
	mgr        *Manager
	classifier classify.Classifier
	poll       time.Duration
	silence    time.Duration
	throttle   time.Duration
	window     int

	mu       sync.Mutex
	det      *agent.Detector
	limiters map[string]*rate.Limiter
	// backoff records the last-output timestamp at which the classifier
	// said "working"; no re-ask until new output arrives.
	backoff  map[string]int64
	inflight map[string]bool

	tickBusy atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewObserver wires an observer to mgr using cfg's observer settings and the
// pattern overrides from [patterns.*]. classifier may be nil.
func NewObserver(mgr *Manager, cfg *Config, classifier classify.Classifier) *Observer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Observer{
		mgr:        mgr,
		classifier: classifier,
		poll:       time.Duration(cfg.Observer.PollIntervalMs) * time.Millisecond,
		silence:    time.Duration(cfg.Observer.SilenceThresholdMs) * time.Millisecond,
		throttle:   time.Duration(cfg.Observer.AIThrottleMs) * time.Millisecond,
		window:     cfg.Observer.ScanWindowLines,
		det:        agent.NewDetector(cfg.Observer.ScanWindowLines, cfg.PatternOverrides()),
		limiters:   make(map[string]*rate.Limiter),
		backoff:    make(map[string]int64),
		inflight:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetDetector swaps the pattern detector. Called on config hot-reload so
// pattern changes apply without restarting sessions.
func (o *Observer) SetDetector(det *agent.Detector) {
	if det == nil {
		return
	}
	o.mu.Lock()
	o.det = det
	o.mu.Unlock()
}

// Start launches the polling loop. Second call is a no-op.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.poll)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.tick()
			}
		}
	}()
}

// Stop halts polling and waits for in-flight classifier calls. Idempotent.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		o.mu.Lock()
		o.limiters = make(map[string]*rate.Limiter)
		o.backoff = make(map[string]int64)
		o.inflight = make(map[string]bool)
		o.mu.Unlock()
	})
}

// tick inspects every agent session once. Guarded against overlapping runs
// so a slow tick never stacks.
func (o *Observer) tick() {
	if !o.tickBusy.CompareAndSwap(false, true) {
		return
	}
	defer o.tickBusy.Store(false)

	snaps := o.mgr.GetAllTerminalSnapshots()

	live := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		live[snap.ID] = true
	}
	o.pruneDead(live)

	now := time.Now()
	for _, snap := range snaps {
		if snap.Kind != KindAgent || !snap.Analysis {
			continue
		}
		if snap.State != agent.StateWorking {
			continue
		}
		// A session that never produced output is still starting up.
		if snap.LastOutputAt.IsZero() || now.Sub(snap.LastOutputAt) < o.silence {
			continue
		}

		text, ok := o.mgr.Scrollback(snap.ID, o.window)
		if !ok || text == "" {
			continue
		}

		o.mu.Lock()
		det := o.det
		o.mu.Unlock()

		if match, ok := det.Match(snap.AgentID, text); ok {
			o.mgr.TransitionState(snap.ID,
				agent.Event{Type: agent.EventPrompt},
				"heuristic", match.Confidence, snap.SpawnedAt)
			continue
		}

		o.maybeClassify(snap, text)
	}
}

// pruneDead drops per-session throttle state for sessions that went away.
func (o *Observer) pruneDead(live map[string]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.limiters {
		if !live[id] {
			delete(o.limiters, id)
		}
	}
	for id := range o.backoff {
		if !live[id] {
			delete(o.backoff, id)
		}
	}
}

// maybeClassify escalates one silent session to the classifier, subject to
// the per-session rate limit, the working-verdict backoff, and a single
// in-flight call per session.
func (o *Observer) maybeClassify(snap Snapshot, text string) {
	if o.classifier == nil || !o.classifier.Available() {
		return
	}

	o.mu.Lock()
	if o.inflight[snap.ID] {
		o.mu.Unlock()
		return
	}
	if last, ok := o.backoff[snap.ID]; ok && last == snap.LastOutputAt.UnixNano() {
		o.mu.Unlock()
		return
	}
	lim := o.limiters[snap.ID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(o.throttle), 1)
		o.limiters[snap.ID] = lim
	}
	if !lim.Allow() {
		o.mu.Unlock()
		return
	}
	o.inflight[snap.ID] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, snap.ID)
			o.mu.Unlock()
		}()

		res, err := o.classifier.AnalyzeWithConfidence(o.ctx, text)
		if err != nil {
			obsLog.Warn("classifier_error",
				slog.String("session", snap.ID),
				slog.String("error", err.Error()))
			o.mu.Lock()
			delete(o.backoff, snap.ID)
			o.mu.Unlock()
			return
		}

		switch res.Classification {
		case classify.ClassWaiting:
			// Re-validate before applying: the session may have resumed or
			// respawned while the request was in flight.
			cur, ok := o.mgr.GetTerminal(snap.ID)
			if !ok || !cur.SpawnedAt.Equal(snap.SpawnedAt) {
				return
			}
			if cur.State != agent.StateWorking || cur.LastOutputAt.After(snap.LastOutputAt) {
				return
			}
			o.mgr.TransitionState(snap.ID,
				agent.Event{Type: agent.EventPrompt},
				"ai-classification", res.Confidence, snap.SpawnedAt)
		case classify.ClassWorking:
			o.mu.Lock()
			o.backoff[snap.ID] = snap.LastOutputAt.UnixNano()
			o.mu.Unlock()
		}
		// Inconclusive: no backoff, the limiter alone throttles retries.
	}()
}
