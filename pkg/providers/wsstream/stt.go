package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/notalog/notalog/pkg/adapters/stt"
	"github.com/notalog/notalog/pkg/errorsx"
	"github.com/notalog/notalog/pkg/frames"
	"github.com/notalog/notalog/pkg/logging"
	"github.com/notalog/notalog/pkg/resilience"
)

// Config points at a websocket transcription endpoint that accepts binary
// PCM frames and answers with JSON transcript events.
type Config struct {
	URL        string
	APIKey     string
	SampleRate int
	Language   string
	SessionID  string
	TraceID    string
}

type StreamingSTT struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	done    chan error
	writeCh chan []byte
	endOnce sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger
}

type transcriptEvent struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Final  bool   `json:"final,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &StreamingSTT{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		done:    make(chan error, 1),
		writeCh: make(chan []byte, 256),
		logger:  logging.NewComponentLogger(slog.Default(), "wsstream_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "wsstream_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return errorsx.New(errorsx.ReasonRecognizerConnect, "missing wsstream url")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	u, err := s.buildURL()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}

	s.logger.Debug("connecting to transcription endpoint",
		slog.String("session_id", s.cfg.SessionID))

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("transcription rate limit exceeded",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "wsstream", Message: resp.Status}
		}
		s.logger.Error("failed to connect to transcription endpoint",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}
	s.conn = conn

	s.logger.Info("connected to transcription endpoint",
		slog.String("session_id", s.cfg.SessionID),
		slog.Int("sample_rate", s.cfg.SampleRate))

	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	select {
	case s.writeCh <- frame.RawPayload():
	default:
		s.logger.Warn("wsstream_write_buffer_full",
			slog.String("session_id", s.cfg.SessionID))
	}
	return nil
}

// Finalize flushes the pending hypothesis server-side; any trailing final
// arrives on Results before the session ends.
func (s *StreamingSTT) Finalize() error {
	_ = s.sendJSON(transcriptEvent{Type: "finalize"})
	time.AfterFunc(2*time.Second, func() {
		s.end(nil)
		s.closeConn()
	})
	return nil
}

func (s *StreamingSTT) Cancel() error {
	_ = s.sendJSON(transcriptEvent{Type: "cancel"})
	s.end(errorsx.New(errorsx.ReasonRecognizerCanceled, "canceled"))
	s.closeConn()
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) Done() <-chan error { return s.done }

func (s *StreamingSTT) buildURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", "16000")
	q.Set("encoding", "linear16")
	if s.cfg.Language != "" {
		q.Set("language", s.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *StreamingSTT) writeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.writeCh:
			s.mu.Lock()
			err := s.conn.WriteMessage(websocket.BinaryMessage, payload)
			s.mu.Unlock()
			if err != nil {
				s.logger.Debug("wsstream_write_error",
					slog.String("session_id", s.cfg.SessionID),
					slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			// Keep-alive so the server does not time the session out
			// during long pauses in audio delivery.
			_ = s.sendJSON(transcriptEvent{Type: "keepalive"})
		}
	}
}

func (s *StreamingSTT) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("wsstream_read_error",
						slog.String("session_id", s.cfg.SessionID),
						slog.String("error", err.Error()))
					s.end(errorsx.New(errorsx.ReasonRecognizerFailed, "connection lost: %v", err))
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *StreamingSTT) handleMessage(data []byte) {
	var ev transcriptEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("wsstream_raw_message", slog.String("data", string(data)))
		return
	}
	switch ev.Type {
	case "transcript":
		if ev.Text == "" {
			return
		}
		meta := map[string]string{
			frames.MetaSessionID: s.cfg.SessionID,
			frames.MetaSource:    "stt",
			frames.MetaIsFinal:   "false",
		}
		if s.cfg.TraceID != "" {
			meta[frames.MetaTraceID] = s.cfg.TraceID
		}
		if ev.Final {
			meta[frames.MetaIsFinal] = "true"
		}
		f := frames.NewTextFrame(s.cfg.SessionID, time.Now().UnixNano(), ev.Text, meta)
		select {
		case s.out <- f:
		default:
			s.logger.Warn("wsstream_out_channel_full",
				slog.String("session_id", s.cfg.SessionID))
		}
	case "end":
		// The server classifies its own session ends; map them to reasons
		// here so nothing downstream reads endpoint strings.
		switch ev.Reason {
		case "silence", "no_speech":
			s.end(errorsx.New(errorsx.ReasonRecognizerSilence, "endpoint reported %s", ev.Reason))
		case "", "complete":
			s.end(nil)
		default:
			s.end(errorsx.New(errorsx.ReasonRecognizerFailed, "endpoint reported %s", ev.Reason))
		}
		s.closeConn()
	default:
		s.logger.Debug("wsstream_event", slog.String("type", ev.Type))
	}
}

func (s *StreamingSTT) sendJSON(ev transcriptEvent) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *StreamingSTT) closeConn() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
	}
}

func (s *StreamingSTT) end(err error) {
	s.endOnce.Do(func() { s.done <- err })
}

var _ stt.Stream = (*StreamingSTT)(nil)
