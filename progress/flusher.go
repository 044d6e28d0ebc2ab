package progress

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval bounds data loss on abnormal termination to one
// interval of marked partitions, which reprocess harmlessly on resume.
const DefaultFlushInterval = 5 * time.Second

// Flusher periodically persists a dirty Bitmap. The timer is owned by the
// caller, not the bitmap: Tick can be driven by an external scheduler, and
// the background goroutine is opt-in via Start.
type Flusher struct {
	bitmap   *Bitmap
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewFlusher creates a Flusher for the bitmap. interval <= 0 selects
// DefaultFlushInterval.
func NewFlusher(b *Bitmap, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Flusher{bitmap: b, interval: interval, logger: logger}
}

// Tick flushes the bitmap if it is dirty. Flush errors are logged and
// swallowed; the bitmap stays dirty and the next tick retries.
func (f *Flusher) Tick() {
	if !f.bitmap.Dirty() {
		return
	}
	if err := f.bitmap.Flush(); err != nil {
		f.logger.Warn("bitmap flush failed, will retry", "error", err)
	}
}

// Start launches the background flush loop. No-op if already running.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		return
	}
	f.stop = make(chan struct{})
	f.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Tick()
			case <-stop:
				return
			}
		}
	}(f.stop, f.done)
}

// Stop halts the background loop and performs a final flush if dirty.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if f.stop != nil {
		close(f.stop)
		<-f.done
		f.stop = nil
		f.done = nil
	}
	f.mu.Unlock()

	f.Tick()
}
