package capture

import (
	"io"
	"sync"
	"time"

	"github.com/notalog/notalog/pkg/audio"
)

// FrameCallback receives one raw PCM block in the tap's native format. It
// runs on the tap's delivery goroutine and must not block: the engine side
// does a single non-blocking enqueue and returns.
type FrameCallback func(data []byte)

// Tap abstracts the hardware audio input. Implementations deliver frames in
// their native format; the engine converts to the fixed target format.
type Tap interface {
	Format() audio.Format
	Start(cb FrameCallback) error
	Stop() error
}

// ReaderTap feeds PCM from an io.Reader, optionally paced to wall-clock
// rate. It backs the import flow and tests; real hosts install a
// platform-specific Tap.
type ReaderTap struct {
	format    audio.Format
	source    io.Reader
	chunkSize int
	pace      bool

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewReaderTap(source io.Reader, format audio.Format, chunkSize int, pace bool) *ReaderTap {
	if chunkSize <= 0 {
		// 30ms worth of frames by default.
		chunkSize = format.BytesPerSecond() * 30 / 1000
		if chunkSize%2 != 0 {
			chunkSize++
		}
	}
	return &ReaderTap{format: format, source: source, chunkSize: chunkSize, pace: pace}
}

func (t *ReaderTap) Format() audio.Format { return t.format }

func (t *ReaderTap) Start(cb FrameCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.done = make(chan struct{})
	done := t.done

	interval := time.Duration(0)
	if t.pace {
		interval = time.Duration(t.chunkSize) * time.Second / time.Duration(t.format.BytesPerSecond())
	}

	go func() {
		buf := make([]byte, t.chunkSize)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := io.ReadFull(t.source, buf)
			if n > 0 {
				cb(buf[:n])
			}
			if err != nil {
				return
			}
			if interval > 0 {
				select {
				case <-done:
					return
				case <-time.After(interval):
				}
			}
		}
	}()
	return nil
}

func (t *ReaderTap) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	close(t.done)
	return nil
}
