package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusHandler receives the "status byte available" signal.
type StatusHandler func(ctx context.Context) error

// StatusWatcher delivers the status signal to a handler on a fixed
// interval. The handler does the read; the watcher only schedules it.
type StatusWatcher struct {
	name     string
	handler  StatusHandler
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewStatusWatcher(name string, interval time.Duration, handler StatusHandler, logger *zap.Logger) *StatusWatcher {
	return &StatusWatcher{
		name:     name,
		handler:  handler,
		interval: interval,
		logger:   logger,
	}
}

// Start startet das zyklische Signal
func (w *StatusWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	w.running = true
	w.stopChan = make(chan struct{})
	w.wg.Add(1)

	go w.loop(w.stopChan)

	w.logger.Info("Status watcher started",
		zap.String("instrument", w.name),
		zap.Duration("interval", w.interval))
}

// Stop blocks until the current handler call returns.
func (w *StatusWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()

	w.logger.Info("Status watcher stopped", zap.String("instrument", w.name))
}

func (w *StatusWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *StatusWatcher) loop(stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.signal()
		}
	}
}

func (w *StatusWatcher) signal() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	// Lesefehler verschieben nur den nächsten Übergang
	if err := w.handler(ctx); err != nil {
		w.logger.Debug("Status signal not handled",
			zap.String("instrument", w.name),
			zap.Error(err))
	}
}
