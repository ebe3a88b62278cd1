package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/notalog/notalog/pkg/metrics"
)

// SessionLatencyObserver tracks per-session recording timings and logs a
// summary when the recording stops.
type SessionLatencyObserver struct {
	mu       sync.Mutex
	sessions map[string]*sessionTrace
	log      *slog.Logger
}

type sessionTrace struct {
	started    time.Time
	firstFinal time.Time
	finals     int
}

func NewSessionLatencyObserver(log *slog.Logger) *SessionLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &SessionLatencyObserver{
		sessions: make(map[string]*sessionTrace),
		log:      log,
	}
}

func (o *SessionLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.sessions[sessionID]
	if t == nil {
		t = &sessionTrace{}
		o.sessions[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventRecordingStarted:
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case metrics.EventTranscriptFinal:
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
		t.finals++
	case metrics.EventRecordingStopped:
		o.log.Info("session_latency",
			"session_id", sessionID,
			"duration_ms", durationMs(t.started, ev.Time),
			"first_final_ms", durationMs(t.started, t.firstFinal),
			"finals", t.finals,
		)
		delete(o.sessions, sessionID)
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*SessionLatencyObserver)(nil)
